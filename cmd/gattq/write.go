package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/gatt"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <char-uuid> [data]",
	Short: "Write a characteristic value",
	Long: fmt.Sprintf(`Connects and writes data to one characteristic.

Data is taken from the argument, or from stdin when the argument is omitted.

Examples:
  # Write a string value
  gattq write %s 2a06 "hello"

  # Write hex bytes
  gattq write %s 2a06 FF01 --hex

  # Write without response
  gattq write %s 2a06 FF --hex --no-response

  # Stream stdin as a chunked upload
  cat firmware.bin | gattq write %s ff01 --upload

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(2, 3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeHex         bool
	writeNoResponse  bool
	writeUpload      bool
	writeTimeout     time.Duration
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if the characteristic UUID is ambiguous)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Interpret data argument as a hex string (e.g., 'FF01')")
	writeCmd.Flags().BoolVar(&writeNoResponse, "no-response", false, "Use write-without-response")
	writeCmd.Flags().BoolVar(&writeUpload, "upload", false, "Split data into MTU-sized chunks and write them in order")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 5*time.Second, "Per-write timeout")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address := args[0]
	charUUID := args[1]

	if _, err := gatt.ValidateUUID(charUUID); err != nil {
		return err
	}

	data, err := writePayload(args)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("no data to write")
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

	svc, err := resolveService(s, id, writeServiceUUID, charUUID)
	if err != nil {
		return err
	}

	kind := gatt.WriteWithResponse
	if writeNoResponse {
		kind = gatt.WriteWithoutResponse
	}

	if writeUpload {
		return runUpload(s, id, svc, charUUID, data, kind)
	}

	if _, err := s.run(id, gatt.Write(svc, charUUID, data, kind), writeTimeout); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Wrote %d bytes\n", len(data))
	return nil
}

// runUpload splits data into chunks that fit the negotiated MTU and enqueues
// them in order. The queue guarantees each chunk completes before the next is
// issued, so a chunked upload needs no pacing on this side.
func runUpload(s *session, id gatt.PeripheralID, svc, charUUID string, data []byte, kind gatt.WriteKind) error {
	mtu, ok := s.central.MTU(id)
	if !ok {
		mtu = central.DefaultMTU
	}
	chunkSize := mtu - 3
	if chunkSize <= 0 {
		return fmt.Errorf("MTU %d too small for writes", mtu)
	}

	var written int
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := s.run(id, gatt.UploadWrite(svc, charUUID, data[off:end], kind), writeTimeout); err != nil {
			return fmt.Errorf("upload failed after %d bytes: %w", written, err)
		}
		written = end
	}

	fmt.Fprintf(os.Stderr, "Uploaded %d bytes in %d chunks\n", written, (written+chunkSize-1)/chunkSize)
	return nil
}

// writePayload resolves the bytes to write from the argument or stdin.
func writePayload(args []string) ([]byte, error) {
	if len(args) == 3 {
		if writeHex {
			data, err := hex.DecodeString(strings.ReplaceAll(args[2], " ", ""))
			if err != nil {
				return nil, fmt.Errorf("invalid hex data: %w", err)
			}
			return data, nil
		}
		return []byte(args[2]), nil
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	if writeHex {
		decoded, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("invalid hex data on stdin: %w", err)
		}
		return decoded, nil
	}
	return data, nil
}
