// Command mtunc is the host event loop for one client-role tunnel session:
// it owns the UDP socket, the stdin/stdout pipe, and the tick timer, and
// drives session.Session with the wall clock it observes.
package main

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"time"

	cli "github.com/urfave/cli/v2"

	"github.com/tsuna/mtun/session"
)

// logFunc is a function type for logging, matching the style of every
// other verbosity knob in this tree.
type logFunc func(format string, v ...interface{})

// createLogFunc builds a logFunc from --verbose or the MTUNC_VERBOSE
// environment variable. MTUNC_VERBOSE=1 logs to stderr; a value starting
// with "/" is treated as a file path to append to.
func createLogFunc(c *cli.Context) (logFunc, *os.File) {
	if c.Bool("verbose") {
		return log.Printf, nil
	}
	verboseEnv := os.Getenv("MTUNC_VERBOSE")
	switch {
	case verboseEnv == "1":
		return log.Printf, nil
	case strings.HasPrefix(verboseEnv, "/"):
		f, err := os.OpenFile(verboseEnv, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("warning: failed to open log file %s: %v", verboseEnv, err)
			return func(string, ...interface{}) {}, nil
		}
		logger := log.New(f, "", log.LstdFlags)
		return logger.Printf, f
	default:
		return func(string, ...interface{}) {}, nil
	}
}

func main() {
	app := &cli.App{
		Name:  "mtunc",
		Usage: "tunnel an opaque byte stream over UDP using the mosh transport protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Required: true, Usage: "remote host:port of the mosh-transport peer"},
			&cli.StringFlag{Name: "key", Required: true, Usage: "base64 session key, as printed by mosh-server"},
			&cli.IntFlag{Name: "mtu", Value: session.DefaultMTU, Usage: "effective UDP MTU in bytes"},
			&cli.DurationFlag{Name: "tick", Value: 50 * time.Millisecond, Usage: "tick period driving retransmission and heartbeats"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable verbose logging"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mtunc: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logf, logFile := createLogFunc(c)
	if logFile != nil {
		defer logFile.Close()
	}

	sess, err := session.New(c.String("key"), c.Int("mtu"))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	sess.SetLogFunc(session.LogFunc(logf))
	defer sess.Free()

	raddr, err := net.ResolveUDPAddr("udp", c.String("addr"))
	if err != nil {
		return fmt.Errorf("failed to resolve %q: %w", c.String("addr"), err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("failed to dial %q: %w", raddr, err)
	}
	defer conn.Close()
	if err := configureUDPSocket(conn); err != nil {
		logf("[mtunc] configureUDPSocket: %v", err)
	}

	errc := make(chan error, 2)
	udpIn := make(chan []byte, 64)
	stdinIn := make(chan []byte, 64)
	go readLoop(conn, udpIn, errc)
	go readLoop(os.Stdin, stdinIn, errc)

	ticker := time.NewTicker(c.Duration("tick"))
	defer ticker.Stop()

	nowMs := func() uint64 { return uint64(time.Now().UnixMilli()) }

	for {
		select {
		case err := <-errc:
			if err == io.EOF {
				return nil
			}
			return err

		case pkt := <-udpIn:
			data, err := sess.RecvUDP(pkt, nowMs())
			if err != nil {
				logf("[mtunc] recv_udp: %v", err)
				continue
			}
			if len(data) > 0 {
				if _, err := os.Stdout.Write(data); err != nil {
					return fmt.Errorf("failed writing to stdout: %w", err)
				}
			}

		case data := <-stdinIn:
			packets, err := sess.SendData(data, nowMs())
			if err != nil {
				logf("[mtunc] send_data: %v", err)
				continue
			}
			for _, p := range packets {
				if _, err := conn.Write(p); err != nil {
					return fmt.Errorf("failed writing to socket: %w", err)
				}
			}

		case <-ticker.C:
			for _, p := range sess.Tick(nowMs()) {
				if _, err := conn.Write(p); err != nil {
					return fmt.Errorf("failed writing to socket: %w", err)
				}
			}
		}
	}
}

// readLoop copies fixed-size reads from r into out until r returns an
// error, which it forwards on errc.
func readLoop(r io.Reader, out chan<- []byte, errc chan<- error) {
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			errc <- err
			return
		}
	}
}
