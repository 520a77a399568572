package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/gatt"
)

// mtuCmd represents the mtu command
var mtuCmd = &cobra.Command{
	Use:   "mtu <device-address> [size]",
	Short: "Negotiate the ATT MTU with a device",
	Long: fmt.Sprintf(`Connects and requests an ATT MTU exchange, printing the negotiated value.

Examples:
  # Request the default maximum (517)
  gattq mtu %s

  # Request a specific MTU
  gattq mtu %s 185

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runMTU,
}

var mtuTimeout time.Duration

func init() {
	mtuCmd.Flags().DurationVar(&mtuTimeout, "timeout", 5*time.Second, "MTU exchange timeout")
}

func runMTU(cmd *cobra.Command, args []string) error {
	address := args[0]

	size := 517
	if len(args) == 2 {
		if _, err := fmt.Sscanf(args[1], "%d", &size); err != nil || size < 23 || size > 517 {
			return fmt.Errorf("invalid MTU %q: must be an integer between 23 and 517", args[1])
		}
	}

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

	ev, err := s.run(id, gatt.RequestMTU(size), mtuTimeout)
	if err != nil {
		return err
	}

	fmt.Printf("MTU: %d\n", ev.Value)
	return nil
}
