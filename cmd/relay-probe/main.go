package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arenacast/relay/pkg/api"
)

var (
	version   = "0.1.0"
	serverURL string
	code      string
	fps       int
	quality   string
	duration  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "relay-probe",
	Short: "ArenaCast relay probe",
	Long:  `relay-probe exercises a running relay: it broadcasts synthetic frames, follows inference results, and reports health`,
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Upload synthetic frames to a session",
	Run: func(cmd *cobra.Command, args []string) {
		runBroadcast()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print inference results for a session as they arrive",
	Run: func(cmd *cobra.Command, args []string) {
		runWatch()
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the relay health report",
	Run: func(cmd *cobra.Command, args []string) {
		runHealth()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relay-probe v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "relay server URL")
	rootCmd.PersistentFlags().StringVar(&code, "code", "1234", "session code")

	broadcastCmd.Flags().IntVar(&fps, "fps", 20, "frames per second to upload")
	broadcastCmd.Flags().StringVar(&quality, "quality", "medium", "declared quality level (low, medium, high)")
	broadcastCmd.Flags().DurationVar(&duration, "duration", 0, "how long to broadcast (0 = until interrupted)")

	rootCmd.AddCommand(broadcastCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBroadcast() {
	if fps < 1 {
		fps = 1
	}
	client := api.NewClient(serverURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	fmt.Printf("Broadcasting to %s, session %s at %d fps\n", serverURL, code, fps)

	gen := newFrameGen(640, 360)
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	var sent, failed int
	lastReport := time.Now()

	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\nStopped: %d frames sent, %d failed\n", sent, failed)
			return
		case <-ticker.C:
			frame, err := gen.next()
			if err != nil {
				fmt.Fprintf(os.Stderr, "frame synthesis failed: %v\n", err)
				return
			}

			resp, err := client.UploadFrame(ctx, code, frame, api.Quality(quality))
			if err != nil {
				failed++
				if errors.Is(err, api.ErrSessionFull) || errors.Is(err, context.Canceled) {
					fmt.Fprintf(os.Stderr, "upload stopped: %v\n", err)
					return
				}
				continue
			}
			sent++

			if time.Since(lastReport) >= 5*time.Second {
				fmt.Printf("sent=%d failed=%d last_processed=%.2fms\n", sent, failed, resp.ProcessedTimeMs)
				lastReport = time.Now()
			}
		}
	}
}

func runWatch() {
	fmt.Printf("Watching inference for session %s on %s\n", code, serverURL)

	sub := api.NewSubscriber(&api.SubscriberConfig{ServerURL: serverURL, Code: code}, func(r api.InferenceResult) {
		fmt.Printf("[%s] %d detections in %.1fms", r.Timestamp.Format("15:04:05.000"), len(r.Detections), r.InferenceTimeMs)
		if r.TimerRemaining != nil {
			fmt.Printf(" timer=%ds", *r.TimerRemaining)
		}
		fmt.Println()
		for _, d := range r.Detections {
			fmt.Printf("  %-20s %.2f at (%.0f,%.0f)-(%.0f,%.0f)\n",
				d.Class, d.Confidence, d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2)
		}
	})

	go sub.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	sub.Stop()
}

func runHealth() {
	client := api.NewClient(serverURL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := client.Health(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "health request failed: %v\n", err)
		os.Exit(1)
	}

	b, _ := json.MarshalIndent(h, "", "  ")
	fmt.Println(string(b))

	codes, err := client.ActiveSessions(ctx)
	if err == nil && len(codes) > 0 {
		fmt.Printf("\nSessions with inference results: %v\n", codes)
	}
}

// frameGen renders synthetic frames with a moving block so the encoder
// always sees motion.
type frameGen struct {
	w, h int
	tick int
	buf  bytes.Buffer
}

func newFrameGen(w, h int) *frameGen {
	return &frameGen{w: w, h: h}
}

func (g *frameGen) next() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, g.w, g.h))

	bg := color.RGBA{R: 20, G: 40, B: 80, A: 255}
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			img.SetRGBA(x, y, bg)
		}
	}

	size := g.h / 6
	x0 := (g.tick * 7) % (g.w - size)
	y0 := (g.tick * 3) % (g.h - size)
	fg := color.RGBA{R: 220, G: 60, B: 40, A: 255}
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			img.SetRGBA(x, y, fg)
		}
	}
	g.tick++

	g.buf.Reset()
	if err := jpeg.Encode(&g.buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	out := make([]byte, g.buf.Len())
	copy(out, g.buf.Bytes())
	return out, nil
}
