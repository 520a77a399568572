package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/gatt"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> <char-uuid>",
	Short: "Subscribe to characteristic notifications",
	Long: fmt.Sprintf(`Connects, subscribes to a characteristic and streams its notifications
until interrupted or the duration elapses.

Examples:
  # Stream Heart Rate Measurement notifications
  gattq subscribe %s 2a37

  # Stop after 30 seconds
  gattq subscribe %s 2a37 --duration 30s

  # Hex output with timestamps
  gattq subscribe %s 2a37 --hex --timestamps

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runSubscribe,
}

var (
	subServiceUUID string
	subHex         bool
	subTimestamps  bool
	subDuration    time.Duration
)

func init() {
	subscribeCmd.Flags().StringVar(&subServiceUUID, "service", "", "Service UUID (required if the characteristic UUID is ambiguous)")
	subscribeCmd.Flags().BoolVar(&subHex, "hex", false, "Output notification payloads as hex")
	subscribeCmd.Flags().BoolVar(&subTimestamps, "timestamps", false, "Prefix each notification with an RFC3339 timestamp")
	subscribeCmd.Flags().DurationVar(&subDuration, "duration", 0, "Stop after this duration (0 = until interrupted)")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
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

	svc, err := resolveService(s, id, subServiceUUID, charUUID)
	if err != nil {
		return err
	}

	if _, err := s.run(id, gatt.Subscribe(svc, charUUID), 5*time.Second); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Subscribed to %s. Press Ctrl+C to stop...\n", gatt.ShortenUUID(gatt.NormalizeUUID(charUUID)))

	err = streamNotifications(s, id, svc, charUUID)

	// Best effort, the link may already be gone.
	_, _ = s.run(id, gatt.Unsubscribe(svc, charUUID), 2*time.Second)
	return err
}

// streamNotifications prints unsolicited events for the subscribed attribute
// until a signal, the duration deadline, or a connection loss.
func streamNotifications(s *session, id gatt.PeripheralID, svc, charUUID string) error {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	var deadline <-chan time.Time
	if subDuration > 0 {
		deadline = time.After(subDuration)
	}

	attr := gatt.NewAttributeRef(svc, charUUID)
	_, bad, dim := eventColors()

	for {
		select {
		case ev, ok := <-s.events.C():
			if !ok {
				return ErrConnectionLost
			}
			if ev.ID != id {
				continue
			}
			switch ev.Kind {
			case central.EventUnsolicited:
				if ev.Attribute.Characteristic != attr.Characteristic {
					continue
				}
				printNotification(dim, ev.Payload)
			case central.EventStateChanged:
				if ev.State.Terminal() {
					bad.Fprintln(os.Stderr, "Connection lost")
					return ErrConnectionLost
				}
			case central.EventBondChanged:
				dim.Fprintf(os.Stderr, "Bond state: %s -> %s\n", ev.PrevBond, ev.CurBond)
			}
		case <-interrupt:
			fmt.Fprintln(os.Stderr, "Interrupted")
			return nil
		case <-deadline:
			return nil
		}
	}
}

func printNotification(dim *color.Color, payload []byte) {
	if subTimestamps {
		dim.Printf("%s ", time.Now().Format(time.RFC3339))
	}
	if subHex {
		fmt.Println(hex.EncodeToString(payload))
		return
	}
	_, _ = os.Stdout.Write(payload)
	fmt.Println()
}
