package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicebridge/pkg/device"
)

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the audio devices visible to the host",
		RunE: func(*cobra.Command, []string) error {
			infos, err := device.List()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("no audio devices found")
				return nil
			}

			fmt.Printf("%-40s %6s %7s %10s\n", "NAME", "INPUT", "OUTPUT", "RATE")
			for _, info := range infos {
				fmt.Printf("%-40s %6d %7d %10.0f\n",
					info.Name, info.MaxInputChannels, info.MaxOutputChannels, info.DefaultSampleRate)
			}
			return nil
		},
	}
}
