package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/gatt"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <char-uuid>",
	Short: "Read a characteristic value",
	Long: fmt.Sprintf(`Connects, reads one characteristic and prints its value.

Examples:
  # Read Battery Level characteristic
  gattq read %s 2a19

  # Read with service disambiguation
  gattq read %s 2a19 --service 180f

  # Output as hex
  gattq read %s 2a19 --hex

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readHex         bool
	readTimeout     time.Duration
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if the characteristic UUID is ambiguous)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 5*time.Second, "Read timeout")
}

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]
	charUUID := args[1]

	if _, err := gatt.ValidateUUID(charUUID); err != nil {
		return err
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

	svc, err := resolveService(s, id, readServiceUUID, charUUID)
	if err != nil {
		return err
	}

	ev, err := s.run(id, gatt.Read(svc, charUUID), readTimeout)
	if err != nil {
		return err
	}

	return outputData(ev.Payload)
}

// resolveService returns the service UUID to address a characteristic with.
// An explicit --service wins; otherwise the capability table is searched, and
// ambiguity across services is an error.
func resolveService(s *session, id gatt.PeripheralID, serviceUUID, charUUID string) (string, error) {
	if serviceUUID != "" {
		if _, err := gatt.ValidateUUID(serviceUUID); err != nil {
			return "", err
		}
		return serviceUUID, nil
	}

	caps, ok := s.central.Capabilities(id)
	if !ok {
		return "", fmt.Errorf("no capabilities recorded for %s", id)
	}

	normalized := gatt.NormalizeUUID(charUUID)
	var matches []string
	for _, svc := range caps.Services() {
		for _, ch := range svc.Characteristics {
			if ch.UUID == normalized {
				matches = append(matches, svc.UUID)
			}
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("characteristic %s not found on device", gatt.ShortenUUID(normalized))
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("characteristic %s found in %d services, disambiguate with --service", gatt.ShortenUUID(normalized), len(matches))
	}
}

// outputData formats and outputs data according to flags
func outputData(data []byte) error {
	if readHex {
		fmt.Println(hex.EncodeToString(data))
		return nil
	}

	_, err := os.Stdout.Write(data)
	return err
}
