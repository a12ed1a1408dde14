// Package mockingress feeds packets from a hex-encoded text file
// through the forwarding engine in place of a real TUN read, and
// writes the emitted packets to a side-by-side hex-encoded output
// file. It lets the forward engine's end-to-end behaviour (spec.md
// §8) be exercised deterministically without opening a TUN device.
package mockingress

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/ayourtch/network-simulator/forward"
	"github.com/ayourtch/network-simulator/pkt"
	"github.com/ayourtch/network-simulator/topology"
)

// Run reads one hex-encoded packet per non-blank, non-comment line of
// inPath, forwards each from entry toward dest, and appends one
// hex-encoded line to outPath per packet actually emitted (packets
// dropped for loss or consumed by context cancellation produce no
// output line; an ICMP error synthesised in place of a packet is
// written like any other emitted packet).
func Run(ctx context.Context, engine *forward.Engine, log *zap.Logger, inPath, outPath string, entry, dest topology.RouterID) error {
	in, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("mockingress: opening input %s: %w", inPath, err)
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("mockingress: creating output %s: %w", outPath, err)
	}
	defer out.Close()

	return run(ctx, engine, log, in, out, entry, dest)
}

func run(ctx context.Context, engine *forward.Engine, log *zap.Logger, in io.Reader, out io.Writer, entry, dest topology.RouterID) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	writer := bufio.NewWriter(out)
	defer writer.Flush()

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		raw, err := hex.DecodeString(line)
		if err != nil {
			log.Debug("mock ingress line not valid hex, skipping", zap.Int("line", lineNo), zap.Error(err))
			continue
		}

		view, err := pkt.Parse(raw)
		if err != nil {
			log.Debug("mock ingress packet parse failed, skipping", zap.Int("line", lineNo), zap.Error(err))
			continue
		}

		result, ok := engine.Forward(ctx, entry, view, dest)
		if !ok {
			continue
		}
		if _, err := fmt.Fprintln(writer, hex.EncodeToString(result)); err != nil {
			return fmt.Errorf("mockingress: writing output line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mockingress: reading input: %w", err)
	}
	return writer.Flush()
}
