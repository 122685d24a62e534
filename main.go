package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gopacket/gopacket/routing"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "synscan [CIDR...]",
	Short: "Stateless TCP SYN scanner driven by a fixed packet template",
	Long: `synscan sends one TCP SYN per address of the given IPv4 prefixes and records
every address that answers with a SYN-ACK acknowledging the probe cookie.

Targets come from positional CIDR arguments and/or a prefix list file in the
goog.json format (--prefixes).`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configFile, cmd.Flags())
		if err != nil {
			return err
		}
		if err := setupLogging(cfg.Log); err != nil {
			return err
		}
		return run(cmd.Context(), cfg, args)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "config file path")
	flags.String("probe", "8.8.8.8", "address used to pick the route, interface and gateway")
	flags.Uint16P("port", "p", 443, "destination port to probe")
	flags.Uint16("source-port", 12138, "TCP source port of the probes")
	flags.Uint8("ttl", 128, "IPv4 TTL of the probes")
	flags.IntP("workers", "n", 4, "maximum number of sending goroutines")
	flags.Int("retries", 5, "send attempts per packet")
	flags.String("prefixes", "", "prefix list file (goog.json format)")
	flags.Int("split", 16, "split prefixes into subnets of at most this length")
	flags.StringP("output", "o", "ip.txt", "file that responsive addresses are appended to")
	flags.Int("flush", 256, "number of addresses buffered before writing")
	flags.Bool("packet-trace", false, "print every probe sent to stderr")
	flags.Bool("full-checksum", true, "recompute the TCP checksum of every probe")
	flags.Duration("wait", 3*time.Second, "time to keep listening after the last probe")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("log-file", "", "also write logs to this file, rotated")
}

func run(ctx context.Context, cfg *Config, args []string) error {
	prefixes, err := collectPrefixes(cfg.Prefixes, args)
	if err != nil {
		return err
	}
	if len(prefixes) == 0 {
		return fmt.Errorf("no target prefixes, pass CIDR arguments or --prefixes")
	}

	router, err := routing.New()
	if err != nil {
		return fmt.Errorf("failed to read routing table: %w", err)
	}

	probe, _ := parseAddr4(cfg.Probe)
	iface, gateway, src, err := router.Route(net.IP(probe.AsSlice()))
	if err != nil {
		return fmt.Errorf("no route to %v: %w", probe, err)
	}

	gatewayAddr, ok := netip.AddrFromSlice(gateway)
	if !ok {
		return fmt.Errorf("invalid gateway address %v", gateway)
	}
	srcAddr, ok := netip.AddrFromSlice(src)
	if !ok {
		return fmt.Errorf("invalid source address %v", src)
	}
	srcAddr = srcAddr.Unmap()
	gatewayAddr = gatewayAddr.Unmap()

	log.WithFields(map[string]interface{}{
		"interface": iface.Name,
		"gateway":   gatewayAddr,
		"source":    srcAddr,
		"prefixes":  len(prefixes),
	}).Info("starting scan")

	t, err := newProbeTemplate(ctx, cfg, iface, gatewayAddr, srcAddr)
	if err != nil {
		return err
	}

	device, err := interfaceToDevice(iface)
	if err != nil {
		return err
	}

	// the listener cancels the whole scan if it fails, so nothing is probed
	// without somebody collecting the replies
	scanCtx, cancelScan := context.WithCancelCause(ctx)
	defer cancelScan(nil)
	listenCtx, cancelListen := context.WithCancel(scanCtx)
	defer cancelListen()

	ready := make(chan error, 1)
	wg := sync.WaitGroup{}
	var listenErr error
	wg.Go(func() {
		listenErr = listenSYNACKPackets(listenCtx, ready, device.Name, cfg, srcAddr, prefixes)
		if listenErr != nil {
			cancelScan(fmt.Errorf("listener stopped: %w", listenErr))
		}
	})
	if err := <-ready; err != nil {
		wg.Wait()
		return err
	}

	s := newSender(t, device.Name, cfg)
	sent, sendErr := s.sendSYNPackets(scanCtx, splitPrefixes(prefixes, cfg.Split))
	log.WithField("packets", sent).Info("finished sending")

	if sendErr == nil {
		select {
		case <-time.After(cfg.Wait):
		case <-scanCtx.Done():
		}
	}
	cancelListen()
	wg.Wait()
	return errors.Join(sendErr, listenErr)
}

// signalContext is canceled on SIGINT or SIGTERM, which lets the listener
// flush the hits it still buffers.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func main() {
	ctx, stop := signalContext(context.Background())
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.WithError(err).Error("synscan failed")
		os.Exit(1)
	}
}
