// Command mrpcsrv is the reference MRPC-EC server: it accepts connections
// on a TCP port, runs the handshake, and answers each MrpcPerson request
// with a greeting MrpcPerson while logging attachment transfers.
package main

import (
	"context"
	stdecdh "crypto/ecdh"
	"crypto/ecdsa"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"mrpcec.io/mrpc"
	"mrpcec.io/mrpc/ecdh"
	"mrpcec.io/mrpc/messages"
	"mrpcec.io/mrpc/transport"
	"mrpcec.io/mrpc/transport/tcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mrpcsrv:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		port       int
		verbose    bool
		configPath string
		keyPath    string
	)

	root := &cobra.Command{
		Use:   "mrpcsrv",
		Short: "Reference MRPC-EC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Listen = fmt.Sprintf(":%d", port)
			} else if cfg.Listen == "" {
				cfg.Listen = ":4040"
			}
			if verbose {
				cfg.Verbose = true
			}
			if keyPath != "" {
				cfg.KeyFile = keyPath
			}
			return serve(cfg)
		},
	}
	root.Flags().IntVarP(&port, "port", "P", 0, "TCP port to listen on (overrides config)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.Flags().StringVar(&keyPath, "key", "", "path to the server's long-term ECDH identity key PEM")

	return root.Execute()
}

func serve(cfg *config) error {
	identity, err := loadOrGenerateServerKey(cfg.KeyFile)
	if err != nil {
		return err
	}
	log.Printf("mrpcsrv: server public key:\n%s", ecdh.EncodeECDHPublicPEM(identity.PublicKey()))

	lookup, err := buildLookup(cfg.Clients)
	if err != nil {
		return err
	}

	policy := mrpc.DefaultServerPolicy
	if cfg.SessionReuseTime > 0 {
		policy.SessionReuseTime = cfg.SessionReuseTime
	}
	if cfg.KeyValidTime > 0 {
		policy.KeyValidTime = cfg.KeyValidTime
	}

	ln, err := tcp.Listen(cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	defer ln.Close()
	log.Printf("mrpcsrv: listening on %s", ln.Addr())

	var limiter *rate.Limiter
	if cfg.AcceptRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRatePerSec), 1)
	}
	ctx := context.Background()

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accepting connection: %w", err)
		}
		go handleConn(conn, identity, lookup, policy, cfg.Verbose)
	}
}

func handleConn(conn transport.Transport, identity *stdecdh.PrivateKey, lookup mrpc.PublicKeyLookup, policy mrpc.ServerPolicy, verbose bool) {
	defer conn.Close()
	eng := mrpc.NewServer(conn, identity, lookup, policy)
	if err := eng.Accept(); err != nil {
		log.Printf("mrpcsrv: handshake failed: %v", err)
		return
	}
	if verbose {
		log.Printf("mrpcsrv: session established, sessId=%d", eng.Session().Snapshot().SessionID)
	}

	for {
		msg, err := eng.Recv()
		if err != nil {
			if verbose {
				log.Printf("mrpcsrv: connection ended: %v", err)
			}
			return
		}
		switch m := msg.(type) {
		case *messages.Person:
			if verbose {
				log.Printf("mrpcsrv: received person %q", m.Name)
			}
			if err := eng.Send(&messages.Person{Name: "hello, " + m.Name}); err != nil {
				log.Printf("mrpcsrv: reply failed: %v", err)
				return
			}
		case *messages.BigDat:
			id := m.ID
			if id == "" {
				id = uuid.New().String()
			}
			if verbose {
				log.Printf("mrpcsrv: attachment %s %q incoming, %d bytes", id, m.Name, m.Length)
			}
			in, err := eng.InByteStream(int(m.Length))
			if err != nil {
				log.Printf("mrpcsrv: opening attachment stream: %v", err)
				return
			}
			n, err := io.Copy(io.Discard, in)
			if err != nil {
				log.Printf("mrpcsrv: reading attachment: %v", err)
				return
			}
			if verbose {
				log.Printf("mrpcsrv: attachment %s complete, %d bytes", id, n)
			}
		default:
			if verbose {
				log.Printf("mrpcsrv: received %s", msg.TypeName())
			}
		}
	}
}

func loadOrGenerateServerKey(path string) (*stdecdh.PrivateKey, error) {
	if path == "" {
		priv, err := ecdh.GenerateEphemeral()
		if err != nil {
			return nil, fmt.Errorf("generating server identity key: %w", err)
		}
		return priv, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server key %s: %w", path, err)
	}
	priv, err := ecdh.DecodeECDHPrivatePEM(string(b))
	if err != nil {
		return nil, fmt.Errorf("parsing server key %s: %w", path, err)
	}
	return priv, nil
}

func buildLookup(clients []clientEntry) (mrpc.PublicKeyLookup, error) {
	known := map[string]*ecdsa.PublicKey{}
	for _, c := range clients {
		b, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading client key %s: %w", c.KeyFile, err)
		}
		pub, err := ecdh.DecodeIdentityPublicPEM(string(b))
		if err != nil {
			return nil, fmt.Errorf("parsing client key %s: %w", c.KeyFile, err)
		}
		known[c.KeyID] = pub
	}
	return func(keyID string) (*ecdsa.PublicKey, bool) {
		pub, ok := known[keyID]
		return pub, ok
	}, nil
}
