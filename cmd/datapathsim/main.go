/*
 * Copyright (c) 2024, PPN Client Authors
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// datapathsim drives an IpSecDatapath end to end against a loopback UDP
// peer, standing in for the platform, the negotiated session, and the
// kernel IPsec transform. It exercises the same sequence a real host
// application would: Start, SwitchNetwork, steady-state forwarding, and
// Stop, and prints every notification the core posts back.
//
// By default the "tunnel" is an AF_UNIX SOCK_DGRAM socketpair: one end
// is handed to the core as if it were a TUN fd, the other is held by
// this program and used to inject synthetic uplink traffic and drain
// whatever the core writes back downlink. Pass -real-tun to open an
// actual TUN device via internal/tundevice instead, which requires
// CAP_NET_ADMIN (or root) and is Linux-first; see that package's
// darwin caveat about utun's address-family header.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ppnclient/datapath/internal/tundevice"
	"github.com/ppnclient/datapath/pkg/config"
	"github.com/ppnclient/datapath/pkg/datapath"
	"github.com/ppnclient/datapath/pkg/endpoint"
	"github.com/ppnclient/datapath/pkg/logging"
	"github.com/ppnclient/datapath/pkg/packet"
	"github.com/ppnclient/datapath/pkg/platform"
	"github.com/ppnclient/datapath/pkg/status"
)

var (
	configPath    = flag.String("config", "", "path to a JSON tuning config; defaults built in if omitted")
	useRealTun    = flag.Bool("real-tun", false, "open a real TUN device instead of an in-process socketpair")
	runFor        = flag.Duration("duration", 15*time.Second, "how long to forward synthetic traffic before stopping")
	uplinkPeriod  = flag.Duration("uplink-period", 2*time.Second, "interval between synthetic uplink packets")
)

func main() {
	flag.Parse()
	logger := logging.New()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "datapathsim: loading config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	peer, peerPort, err := startEchoPeer()
	if err != nil {
		fmt.Fprintln(os.Stderr, "datapathsim: starting loopback echo peer:", err)
		os.Exit(1)
	}
	defer peer.Close()

	tunFD, hostFD, cleanupTun, err := openSimulatedTunnel(logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "datapathsim: opening tunnel:", err)
		os.Exit(1)
	}
	defer cleanupTun()

	tun, err := endpoint.NewTunnel(tunFD, cfg.EventWaiterBackend, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "datapathsim: wrapping tunnel fd:", err)
		os.Exit(1)
	}

	binding := &loopbackBinding{logger: logger}
	dp := datapath.New(tun, binding, cfg, logger)

	handler := &printingHandler{logger: logger}
	dp.RegisterNotificationHandler(handler)
	defer dp.Close()

	startErr := dp.Start(
		datapath.EgressResponse{Raw: []byte("simulated-egress-response")},
		datapath.Params{
			Variant: datapath.VariantIPSec,
			Key: platform.KeyMaterial{
				UplinkSPI:   0x1001,
				DownlinkSPI: 0x2002,
				UplinkKey:   []byte("simulated-uplink-key-0000000000"),
				DownlinkKey: []byte("simulated-downlink-key-00000000"),
			},
		},
	)
	if startErr != nil {
		fmt.Fprintln(os.Stderr, "datapathsim: Start:", startErr)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	dest := packet.Endpoint{Address: "127.0.0.1", Port: peerPort, Protocol: packet.IPv4}
	switchErr := dp.SwitchNetwork(ctx, 1, dest, &platform.NetworkInfo{NetworkID: 1, NetworkType: platform.NetworkWifi})
	cancel()
	if switchErr != nil {
		fmt.Fprintln(os.Stderr, "datapathsim: SwitchNetwork:", switchErr)
		os.Exit(1)
	}
	logger.Info("forwarding toward ", dest.String())

	var uplinkSeq atomic.Uint32
	stopPump := make(chan struct{})
	pumpDone := make(chan struct{})
	go runUplinkPump(hostFD, *uplinkPeriod, &uplinkSeq, stopPump, pumpDone, logger)
	go drainDownlink(hostFD, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigs:
		logger.Info("received shutdown signal")
	case <-time.After(*runFor):
		logger.Info("run duration elapsed")
	}

	close(stopPump)
	<-pumpDone
	dp.Stop()
}

// openSimulatedTunnel returns the fd handed to the core (tunFD) and the
// fd this program uses to act as "the rest of the OS" on the other end
// of the tunnel (hostFD), plus a cleanup func. With -real-tun, hostFD is
// -1 and the synthetic traffic generators are inert: a real kernel
// interface needs `ip addr`/`ip route` run against its name to carry
// any traffic at all, which is outside this simulator's scope.
func openSimulatedTunnel(logger logging.Logger) (tunFD int, hostFD int, cleanup func(), err error) {
	if *useRealTun {
		fd, name, err := tundevice.Open()
		if err != nil {
			return -1, -1, nil, err
		}
		logger.Info("opened real tun device ", name)
		return fd, -1, func() { unix.Close(fd) }, nil
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, -1, nil, err
	}
	cleanup = func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	}
	return fds[1], fds[0], cleanup, nil
}

// runUplinkPump periodically writes a synthetic packet into hostFD, the
// socketpair end standing in for the kernel delivering tunnel-bound
// egress traffic. It is inert when hostFD is -1 (-real-tun mode).
func runUplinkPump(hostFD int, period time.Duration, seq *atomic.Uint32, stop <-chan struct{}, done chan<- struct{}, logger logging.Logger) {
	defer close(done)
	if hostFD < 0 {
		<-stop
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n := seq.Add(1)
			pkt := syntheticIPv4Packet(n)
			if _, err := unix.Write(hostFD, pkt); err != nil {
				logger.WithFields(logging.Fields{}).Warn("uplink pump write failed: ", err)
				return
			}
		}
	}
}

// drainDownlink reads whatever the core writes back to hostFD -
// anything the echo peer bounced downlink through the forwarder - and
// logs it, so the round trip is visible. It is inert when hostFD is -1.
func drainDownlink(hostFD int, logger logging.Logger) {
	if hostFD < 0 {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(hostFD, buf)
		if err != nil {
			return
		}
		logger.Info(fmt.Sprintf("downlink: %d bytes", n))
	}
}

// syntheticIPv4Packet builds a plausible-looking but not
// checksum-correct IPv4 packet. The datapath reads only the version
// nibble of the first byte (to tag the packet's family) and otherwise
// forwards opaque bytes, so a real header is not required for this
// simulator; the recognizable shape is only to make captures readable.
func syntheticIPv4Packet(seq uint32) []byte {
	const headerLen = 20
	payload := []byte(fmt.Sprintf("datapathsim-%d", seq))
	total := headerLen + len(payload)

	b := make([]byte, total)
	b[0] = 0x45 // version 4, IHL 5
	b[2] = byte(total >> 8)
	b[3] = byte(total)
	b[8] = 64   // TTL
	b[9] = 253  // reserved for experimentation/testing, RFC 3692
	copy(b[12:16], net.ParseIP("10.0.0.1").To4())
	copy(b[16:20], net.ParseIP("10.0.0.2").To4())
	copy(b[headerLen:], payload)
	return b
}

// startEchoPeer listens on an ephemeral loopback UDP port and echoes
// every datagram it receives back to its sender, standing in for the
// session's network peer.
func startEchoPeer() (*net.UDPConn, uint16, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		return nil, 0, err
	}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], addr)
		}
	}()
	return conn, uint16(conn.LocalAddr().(*net.UDPAddr).Port), nil
}

// loopbackBinding implements platform.Binding against a plain loopback
// UDP socket. It installs no real kernel IPsec transform: doing so
// needs either Linux XFRM netlink or the Android IpSecManager, both
// privileged platform operations this portable simulator does not
// attempt. It logs the key material it would have installed instead.
type loopbackBinding struct {
	logger logging.Logger
}

func (b *loopbackBinding) CreateProtectedNetworkSocket(ctx context.Context, info platform.NetworkInfo, dest packet.Endpoint) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: 0}
	copy(sa.Addr[:], net.ParseIP("127.0.0.1").To4())
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	b.logger.WithFields(logging.Fields{"network_id": info.NetworkID}).Debug("created loopback stand-in for protected socket")
	return fd, nil
}

func (b *loopbackBinding) ConfigureIPSec(key platform.KeyMaterial) error {
	b.logger.WithFields(logging.Fields{
		"uplink_spi":   key.UplinkSPI,
		"downlink_spi": key.DownlinkSPI,
		"destination":  key.Destination.String(),
	}).Info("simulated IPsec transform install (no real kernel SA programmed)")
	return nil
}

// printingHandler implements datapath.NotificationHandler by logging
// every notification the core posts.
type printingHandler struct {
	logger logging.Logger
}

func (h *printingHandler) DatapathEstablished() {
	h.logger.Info("datapath established: bidirectional traffic observed")
}

func (h *printingHandler) DatapathFailed(st *status.Status) {
	h.logger.WithFields(logging.Fields{}).Warn("datapath failed: ", st)
}

func (h *printingHandler) DatapathPermanentFailure(st *status.Status) {
	h.logger.WithFields(logging.Fields{}).Error("datapath permanently failed: ", st)
}

func (h *printingHandler) DoRekey() {
	h.logger.Info("datapath requests a rekey")
}
