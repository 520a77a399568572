package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/gatt"
)

// rssiCmd represents the rssi command
var rssiCmd = &cobra.Command{
	Use:   "rssi <device-address>",
	Short: "Read the signal strength of a connected device",
	Long: fmt.Sprintf(`Connects and reads the received signal strength indicator (RSSI).

Examples:
  gattq rssi %s

%s`, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runRSSI,
}

var rssiTimeout time.Duration

func init() {
	rssiCmd.Flags().DurationVar(&rssiTimeout, "timeout", 5*time.Second, "RSSI read timeout")
}

func runRSSI(cmd *cobra.Command, args []string) error {
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

	ev, err := s.run(id, gatt.ReadRSSI(), rssiTimeout)
	if err != nil {
		return err
	}

	fmt.Printf("%d dBm\n", ev.Value)
	return nil
}
