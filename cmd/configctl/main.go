// Command configctl administers and queries a configd instance.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"meshtrust/pkg/client"
	"meshtrust/pkg/keys"
	"meshtrust/pkg/models"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

type command func(ctx context.Context, args []string, out io.Writer) error

var commands = map[string]command{
	"keygen":         keygen,
	"add-key":        addKey,
	"remove-key":     removeKey,
	"verify-key":     verifyKey,
	"list-keys":      listKeys,
	"verify-entity":  verifyEntity,
	"gateway-info":   gatewayInfo,
	"gateway-stream": gatewayStream,
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
	return cmd(ctx, args[1:], out)
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "configctl commands:")
	fmt.Fprintln(out, "  keygen --out-private signing.key")
	fmt.Fprintln(out, "  add-key --key <pubkey> --role <role>")
	fmt.Fprintln(out, "  remove-key --key <pubkey> --role <role>")
	fmt.Fprintln(out, "  verify-key --key <pubkey> --role <role>")
	fmt.Fprintln(out, "  list-keys --role <role>")
	fmt.Fprintln(out, "  verify-entity --entity <id>")
	fmt.Fprintln(out, "  gateway-info --address <pubkey>")
	fmt.Fprintln(out, "  gateway-stream [--address <pubkey>]... [--batch-size n]")
	fmt.Fprintln(out, "remote commands read --url, --server-key and --signing-key or their")
	fmt.Fprintln(out, "CONFIGD_URL, SERVER_PUBKEY, SIGNING_KEY_B64 and SIGNING_KEY_PATH defaults")
}

// remote holds the connection flags shared by every command that talks to
// configd.
type remote struct {
	url            *string
	serverKey      *string
	signingKey     *string
	signingKeyPath *string
	timeout        *time.Duration
}

func newFlagSet(name string) (*pflag.FlagSet, *remote) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	r := &remote{
		url:            fs.String("url", os.Getenv("CONFIGD_URL"), "configd base url"),
		serverKey:      fs.String("server-key", os.Getenv("SERVER_PUBKEY"), "configd response signing key"),
		signingKey:     fs.String("signing-key", os.Getenv("SIGNING_KEY_B64"), "base64 private key used to sign requests"),
		signingKeyPath: fs.String("signing-key-path", os.Getenv("SIGNING_KEY_PATH"), "file holding the base64 private key"),
		timeout:        fs.Duration("timeout", 30*time.Second, "overall deadline"),
	}
	return fs, r
}

func (r *remote) options() (client.Options, error) {
	server, err := keys.Parse(*r.serverKey)
	if err != nil {
		return client.Options{}, fmt.Errorf("server key: %w", err)
	}
	kp, err := keys.Load(*r.signingKey, *r.signingKeyPath)
	if err != nil {
		return client.Options{}, fmt.Errorf("signing key: %w", err)
	}
	return client.Options{BaseURL: *r.url, ServerKey: server, Keypair: kp}, nil
}

func (r *remote) context(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, *r.timeout)
}

func keygen(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	outPriv := fs.String("out-private", "signing.key", "private key output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kp, err := keys.Generate()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(filepath.Clean(*outPriv), []byte(kp.PrivateB64()), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\npublic key %s\n", *outPriv, kp.PublicKey())
	return nil
}

func keyAndRole(fs *pflag.FlagSet, args []string) (keys.PublicKey, keys.Role, error) {
	rawKey := fs.String("key", "", "base58 public key")
	rawRole := fs.String("role", "", "key role")
	if err := fs.Parse(args); err != nil {
		return keys.PublicKey{}, 0, err
	}
	key, err := keys.Parse(*rawKey)
	if err != nil {
		return keys.PublicKey{}, 0, err
	}
	role, err := keys.ParseRole(*rawRole)
	if err != nil {
		return keys.PublicKey{}, 0, err
	}
	return key, role, nil
}

func changeKey(ctx context.Context, name string, args []string, out io.Writer, apply func(*client.AdminClient, context.Context, keys.PublicKey, keys.Role) error) error {
	fs, r := newFlagSet(name)
	key, role, err := keyAndRole(fs, args)
	if err != nil {
		return err
	}
	opts, err := r.options()
	if err != nil {
		return err
	}
	admin, err := client.NewAdminClient(opts)
	if err != nil {
		return err
	}
	ctx, cancel := r.context(ctx)
	defer cancel()
	if err := apply(admin, ctx, key, role); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s %s\n", name, key, role)
	return nil
}

func addKey(ctx context.Context, args []string, out io.Writer) error {
	return changeKey(ctx, "add-key", args, out, (*client.AdminClient).AddKey)
}

func removeKey(ctx context.Context, args []string, out io.Writer) error {
	return changeKey(ctx, "remove-key", args, out, (*client.AdminClient).RemoveKey)
}

func verifyKey(ctx context.Context, args []string, out io.Writer) error {
	fs, r := newFlagSet("verify-key")
	key, role, err := keyAndRole(fs, args)
	if err != nil {
		return err
	}
	opts, err := r.options()
	if err != nil {
		return err
	}
	authz, err := client.NewAuthorizationClient(opts)
	if err != nil {
		return err
	}
	ctx, cancel := r.context(ctx)
	defer cancel()
	ok, err := authz.Verify(ctx, key, role)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(out, "%s is not authorized as %s\n", key, role)
		return nil
	}
	fmt.Fprintf(out, "%s is authorized as %s\n", key, role)
	return nil
}

func listKeys(ctx context.Context, args []string, out io.Writer) error {
	fs, r := newFlagSet("list-keys")
	rawRole := fs.String("role", "", "key role")
	if err := fs.Parse(args); err != nil {
		return err
	}
	role, err := keys.ParseRole(*rawRole)
	if err != nil {
		return err
	}
	opts, err := r.options()
	if err != nil {
		return err
	}
	authz, err := client.NewAuthorizationClient(opts)
	if err != nil {
		return err
	}
	ctx, cancel := r.context(ctx)
	defer cancel()
	list, err := authz.List(ctx, role)
	if err != nil {
		return err
	}
	for _, key := range list {
		fmt.Fprintln(out, key)
	}
	return nil
}

func verifyEntity(ctx context.Context, args []string, out io.Writer) error {
	fs, r := newFlagSet("verify-entity")
	entity := fs.String("entity", "", "entity id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *entity == "" {
		return errors.New("entity required")
	}
	opts, err := r.options()
	if err != nil {
		return err
	}
	entities, err := client.NewEntityClient(opts)
	if err != nil {
		return err
	}
	ctx, cancel := r.context(ctx)
	defer cancel()
	ok, err := entities.Verify(ctx, []byte(*entity))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "entity %q registered: %t\n", *entity, ok)
	return nil
}

// gatewayView prints addresses in base58 instead of raw bytes.
type gatewayView struct {
	Address    string                  `json:"address"`
	DeviceType models.DeviceType       `json:"device_type"`
	Metadata   *models.GatewayMetadata `json:"metadata,omitempty"`
}

func viewOf(info models.GatewayInfo) gatewayView {
	v := gatewayView{DeviceType: info.DeviceType, Metadata: info.Metadata}
	if addr, err := keys.ParseBytes(info.Address); err == nil {
		v.Address = addr.String()
	}
	return v
}

func gatewayInfo(ctx context.Context, args []string, out io.Writer) error {
	fs, r := newFlagSet("gateway-info")
	rawAddr := fs.String("address", "", "base58 gateway address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr, err := keys.Parse(*rawAddr)
	if err != nil {
		return err
	}
	opts, err := r.options()
	if err != nil {
		return err
	}
	gateways, err := client.NewGatewayClient(opts)
	if err != nil {
		return err
	}
	ctx, cancel := r.context(ctx)
	defer cancel()
	info, err := gateways.Info(ctx, addr)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(viewOf(info))
}

// gatewayStream prints one JSON line per gateway, from the listed addresses
// or from every known gateway.
func gatewayStream(ctx context.Context, args []string, out io.Writer) error {
	fs, r := newFlagSet("gateway-stream")
	rawAddrs := fs.StringArray("address", nil, "base58 gateway address, repeatable")
	batchSize := fs.Uint32("batch-size", 0, "gateways per chunk, server default when 0")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addrs := make([]keys.PublicKey, 0, len(*rawAddrs))
	for _, raw := range *rawAddrs {
		addr, err := keys.Parse(raw)
		if err != nil {
			return err
		}
		addrs = append(addrs, addr)
	}
	opts, err := r.options()
	if err != nil {
		return err
	}
	gateways, err := client.NewGatewayClient(opts)
	if err != nil {
		return err
	}
	ctx, cancel := r.context(ctx)
	defer cancel()

	chunks := gateways.InfoStream(ctx, *batchSize)
	if len(addrs) > 0 {
		chunks = gateways.InfoBatch(ctx, addrs, *batchSize)
	}
	enc := json.NewEncoder(out)
	for chunk, err := range chunks {
		if err != nil {
			return err
		}
		for _, info := range chunk {
			if err := enc.Encode(viewOf(info)); err != nil {
				return err
			}
		}
	}
	return nil
}
