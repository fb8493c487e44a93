// Command mrpccli is a reference MRPC-EC stress client: it dials a server,
// runs the handshake, and fires N MrpcPerson requests (and optionally one
// attachment upload) at it.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"mrpcec.io/mrpc"
	"mrpcec.io/mrpc/ecdh"
	"mrpcec.io/mrpc/messages"
	"mrpcec.io/mrpc/transport/tcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mrpccli:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		host       string
		port       int
		verbose    bool
		count      int
		login      string
		keyPath    string
		keyID      string
		attachSize int
	)

	root := &cobra.Command{
		Use:   "mrpccli",
		Short: "Reference MRPC-EC stress client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dial(host, port, verbose, count, login, keyID, keyPath, attachSize)
		},
	}
	root.Flags().StringVarP(&host, "host", "H", "127.0.0.1", "server host")
	root.Flags().IntVarP(&port, "port", "P", 4040, "server port")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	root.Flags().IntVarP(&count, "count", "n", 1, "number of MrpcPerson round trips to send")
	root.Flags().StringVarP(&login, "login", "l", "mrpccli", "login name to present during handshake")
	root.Flags().StringVar(&keyID, "key-id", "mrpccli", "keyId identifying this client's identity key")
	root.Flags().StringVar(&keyPath, "key", "", "path to this client's ECDSA identity private key PEM (generated if omitted)")
	root.Flags().IntVarP(&attachSize, "attach", "a", 0, "if > 0, also upload a random attachment of this many bytes")

	return root.Execute()
}

func dial(host string, port int, verbose bool, count int, login, keyID, keyPath string, attachSize int) error {
	identity, err := loadOrGenerateIdentity(keyPath)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	tr, err := tcp.Dial(context.Background(), addr)
	if err != nil {
		return err
	}
	defer tr.Close()

	eng := mrpc.NewClient(tr, &mrpc.Session{}, mrpc.ClientIdentity{KeyID: keyID, Priv: identity})

	serverPub, err := eng.GetPublicKey()
	if err != nil {
		return fmt.Errorf("fetching server public key: %w", err)
	}
	if verbose {
		log.Printf("mrpccli: server public key:\n%s", ecdh.EncodeECDHPublicPEM(serverPub))
	}

	hostname, _ := os.Hostname()
	if err := eng.StartSession(login, hostname, "mrpccli/1.0", serverPub); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	if verbose {
		log.Printf("mrpccli: session established, sessId=%d", eng.Session().Snapshot().SessionID)
	}

	for i := 0; i < count; i++ {
		name := fmt.Sprintf("%s-%d", login, i)
		if err := eng.Send(&messages.Person{Name: name}); err != nil {
			return fmt.Errorf("sending request %d: %w", i, err)
		}
		reply, err := eng.Recv()
		if err != nil {
			return fmt.Errorf("reading reply %d: %w", i, err)
		}
		person, ok := reply.(*messages.Person)
		if !ok {
			return fmt.Errorf("unexpected reply type %s", reply.TypeName())
		}
		if verbose {
			log.Printf("mrpccli: reply %d: %s", i, person.Name)
		}
	}

	if attachSize > 0 {
		if err := uploadAttachment(eng, attachSize, verbose); err != nil {
			return err
		}
	}

	return nil
}

func uploadAttachment(eng *mrpc.Engine, size int, verbose bool) error {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := eng.Send(&messages.BigDat{Length: uint64(size), Name: "mrpccli-upload"}); err != nil {
		return fmt.Errorf("announcing attachment: %w", err)
	}
	w, err := eng.OutByteStream()
	if err != nil {
		return fmt.Errorf("opening attachment stream: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing attachment stream: %w", err)
	}
	if verbose {
		log.Printf("mrpccli: uploaded %d bytes", size)
	}
	return nil
}

func loadOrGenerateIdentity(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		priv, err := ecdh.GenerateIdentity()
		if err != nil {
			return nil, fmt.Errorf("generating client identity key: %w", err)
		}
		return priv, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client key %s: %w", path, err)
	}
	priv, err := ecdh.DecodeIdentityPrivatePEM(string(b))
	if err != nil {
		return nil, fmt.Errorf("parsing client key %s: %w", path, err)
	}
	return priv, nil
}
