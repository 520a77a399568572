package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/gatt"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <device-address>",
	Short: "Connect to a device and print its services",
	Long: fmt.Sprintf(`Connects to a BLE device, discovers its services and characteristics,
prints them, then disconnects.

Examples:
  # Connect and list capabilities
  gattq connect %s

%s`, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func runConnect(cmd *cobra.Command, args []string) error {
	address := args[0]

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	cmd.SilenceUsage = true

	id, err := s.connect(address)
	if err != nil {
		return err
	}
	defer s.teardown(id)

	caps, ok := s.central.Capabilities(id)
	if !ok {
		return fmt.Errorf("no capabilities recorded for %s", address)
	}

	printCapabilities(caps)
	return nil
}

func printCapabilities(caps *gatt.CapabilityTable) {
	ok, _, dim := eventColors()
	for _, svc := range caps.Services() {
		ok.Printf("service %s\n", gatt.ShortenUUID(svc.UUID))
		for _, ch := range svc.Characteristics {
			fmt.Printf("  %s", gatt.ShortenUUID(ch.UUID))
			if ch.Properties != "" {
				dim.Printf("  [%s]", ch.Properties)
			}
			fmt.Println()
		}
	}
}
