package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		printConfig(os.Stdout, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return nil
	},
}

var cameraCmd = &cobra.Command{
	Use:   "camera",
	Short: "Inspect camera devices",
}

var cameraListCmd = &cobra.Command{
	Use:   "list",
	Short: "List V4L2 camera devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := camera.ListCameras()
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No cameras found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tNAME\tDRIVER")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.Path, orDash(d.Name), orDash(d.Driver))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(cameraCmd)
	cameraCmd.AddCommand(cameraListCmd)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// secret hides configured secrets.
func secret(s string) string {
	if s == "" {
		return "(not set)"
	}
	return "(set)"
}

func printConfig(w io.Writer, c *config.Config) {
	fmt.Fprintln(w, "Current Configuration:")
	fmt.Fprintln(w, "======================")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Camera]")
	fmt.Fprintf(w, "  Device:          %s\n", c.Camera.Device)
	fmt.Fprintf(w, "  Resolution:      %dx%d @ %d FPS\n", c.Camera.Width, c.Camera.Height, c.Camera.FPS)
	fmt.Fprintf(w, "  FFmpeg:          %s\n", c.Camera.FFmpegPath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Recognition]")
	fmt.Fprintf(w, "  Tolerance:       %.2f\n", c.Recognition.Tolerance)
	fmt.Fprintf(w, "  Index:           %s\n", c.Recognition.Index)
	fmt.Fprintf(w, "  Interval:        %d ms\n", c.Recognition.IntervalMS)
	fmt.Fprintf(w, "  Model Path:      %s\n", c.Recognition.ModelPath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Storage]")
	fmt.Fprintf(w, "  Backend:         %s\n", c.Storage.Backend)
	if c.Storage.Backend == "minio" {
		fmt.Fprintf(w, "  Endpoint:        %s\n", c.Storage.Minio.Endpoint)
		fmt.Fprintf(w, "  Bucket:          %s/%s\n", c.Storage.Minio.Bucket, c.Storage.Minio.Prefix)
		fmt.Fprintf(w, "  Credentials:     %s\n", secret(c.Storage.Minio.SecretKey))
	} else {
		fmt.Fprintf(w, "  Encodings:       %s\n", c.EncodingsPath())
	}
	fmt.Fprintf(w, "  Encryption:      %t\n", c.Storage.EncryptionEnabled)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Database]")
	fmt.Fprintf(w, "  Driver:          %s\n", c.Database.Driver)
	if c.Database.Driver == "sqlite" {
		fmt.Fprintf(w, "  Path:            %s\n", c.Database.URL)
	} else {
		fmt.Fprintf(w, "  URL:             %s\n", secret(c.Database.URL))
	}
	fmt.Fprintf(w, "  Timezone:        %s\n", orDash(c.Database.Timezone))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Server]")
	fmt.Fprintf(w, "  Listen:          %s\n", c.Addr())
	fmt.Fprintf(w, "  Admin User:      %s\n", c.Server.AdminUser)
	fmt.Fprintf(w, "  Admin Password:  %s\n", secret(c.Server.AdminPasswordHash))
	fmt.Fprintf(w, "  Sessions:        max %d, idle %d min\n", c.Server.MaxSessions, c.Server.SessionIdleMinutes)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[Logging]")
	fmt.Fprintf(w, "  Level:           %s\n", c.Logging.Level)
	fmt.Fprintf(w, "  Format:          %s\n", c.Logging.Format)
	fmt.Fprintf(w, "  File:            %s\n", orDash(c.Logging.File))
}
