// vmg-pkgtool builds and inspects the three-layer vehicle package format.
// It is the development-side producer; the gateway only consumes.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/zlseong/vmg/internal/pkgfile"
	"github.com/zlseong/vmg/pkg/log"
)

// manifest is the JSON build description.
type manifest struct {
	VIN             string `json:"vin"`
	Model           string `json:"model"`
	ModelYear       uint16 `json:"model_year"`
	Region          uint8  `json:"region"`
	MasterSWVersion string `json:"master_sw_version"`

	Zones []struct {
		ZoneID     string `json:"zone_id"`
		ZoneNumber uint8  `json:"zone_number"`
		ZoneName   string `json:"zone_name"`

		ECUs []struct {
			ECUID        string `json:"ecu_id"`
			SWVersion    string `json:"sw_version"`
			HWVersion    string `json:"hw_version"`
			Priority     uint8  `json:"priority"`
			FirmwareFile string `json:"firmware_file"`
		} `json:"ecus"`
	} `json:"zones"`
}

func main() {
	root := &cobra.Command{
		Use:           "vmg-pkgtool",
		Short:         "Build and inspect vehicle OTA packages",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newBuildCommand(), newInspectCommand())

	log.Init(log.NewOptions())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newBuildCommand() *cobra.Command {
	var manifestPath, outPath string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a vehicle package from a JSON manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(manifestPath)
			if err != nil {
				return err
			}
			var m manifest
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode manifest: %w", err)
			}

			spec, err := specFromManifest(&m)
			if err != nil {
				return err
			}
			if err := pkgfile.WriteVehiclePackage(outPath, spec); err != nil {
				return err
			}

			fi, err := os.Stat(outPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes, %d zones)\n",
				outPath, fi.Size(), len(spec.Zones))
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "manifest.json", "Build manifest path.")
	cmd.Flags().StringVarP(&outPath, "out", "o", "vehicle_package.bin", "Output package path.")
	return cmd
}

func specFromManifest(m *manifest) (pkgfile.VehicleSpec, error) {
	masterVersion, err := parseVersion(m.MasterSWVersion)
	if err != nil {
		return pkgfile.VehicleSpec{}, err
	}

	spec := pkgfile.VehicleSpec{
		VIN:             m.VIN,
		Model:           m.Model,
		ModelYear:       m.ModelYear,
		Region:          m.Region,
		MasterSWVersion: masterVersion,
		MasterSWString:  m.MasterSWVersion,
	}

	now := uint32(time.Now().Unix())
	for _, z := range m.Zones {
		zone := pkgfile.ZoneSpec{
			ZoneID:     z.ZoneID,
			ZoneNumber: z.ZoneNumber,
			ZoneName:   z.ZoneName,
			Timestamp:  now,
		}
		for _, e := range z.ECUs {
			firmware, err := os.ReadFile(e.FirmwareFile)
			if err != nil {
				return pkgfile.VehicleSpec{}, fmt.Errorf("read firmware for %s: %w", e.ECUID, err)
			}
			sw, err := parseVersion(e.SWVersion)
			if err != nil {
				return pkgfile.VehicleSpec{}, fmt.Errorf("ECU %s: %w", e.ECUID, err)
			}
			hw, err := parseVersion(e.HWVersion)
			if err != nil {
				return pkgfile.VehicleSpec{}, fmt.Errorf("ECU %s: %w", e.ECUID, err)
			}
			zone.ECUs = append(zone.ECUs, pkgfile.ECUSpec{
				ECUID:          e.ECUID,
				SWVersion:      sw,
				HWVersion:      hw,
				BuildTimestamp: now,
				VersionString:  e.SWVersion,
				Priority:       e.Priority,
				Firmware:       firmware,
			})
		}
		spec.Zones = append(spec.Zones, zone)
	}
	return spec, nil
}

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <package.bin>",
		Short: "Parse, verify, and summarize a vehicle package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := pkgfile.NewVehicleParser(args[0], nil)
			if err := p.Parse(); err != nil {
				return err
			}
			if err := p.Verify(); err != nil {
				return err
			}

			meta := p.Metadata()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "VIN:        %s\n", trimmed(meta.VIN[:]))
			fmt.Fprintf(out, "Model:      %s (%d)\n", trimmed(meta.Model[:]), meta.ModelYear)
			fmt.Fprintf(out, "Master SW:  %s\n", trimmed(meta.MasterSWString[:]))
			fmt.Fprintf(out, "Total size: %d bytes\n", meta.TotalSize)
			fmt.Fprintf(out, "CRC32:      %#08x\n\n", meta.VehicleCRC32)

			table := uitable.New()
			table.AddRow("ZONE", "ID", "ECUS", "SIZE", "TARGET ZGW")
			for _, z := range p.Zones() {
				table.AddRow(z.ZoneNumber, z.ZoneID, z.ECUCount, z.Size,
					fmt.Sprintf("%s:%d", z.Target.Host, z.Target.Port))
			}
			fmt.Fprintln(out, table)
			return nil
		},
	}
}

// parseVersion reads a dotted version of up to four components into the
// 0xAABBCCDD encoding.
func parseVersion(s string) (uint32, error) {
	s = strings.TrimPrefix(s, "v")
	if s == "" {
		return 0, nil
	}

	var parts [4]uint32
	fields := strings.Split(s, ".")
	if len(fields) > 4 {
		return 0, fmt.Errorf("version %q has more than four components", s)
	}
	for i, f := range fields {
		var v uint32
		if _, err := fmt.Sscanf(f, "%d", &v); err != nil || v > 0xFF {
			return 0, fmt.Errorf("bad version component %q in %q", f, s)
		}
		parts[i] = v
	}
	return parts[0]<<24 | parts[1]<<16 | parts[2]<<8 | parts[3], nil
}

func trimmed(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
