// Command fieldsync is the device agent: it queues entity mutations while
// offline and syncs them to a fieldsync server when the connection returns.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"google.golang.org/grpc/status"

	"github.com/and161185/fieldsync/internal/config"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// rootOptions is shared by every subcommand.
type rootOptions struct {
	v          *viper.Viper
	configFile string
}

// flag name -> config key
var flagKeys = map[string]string{
	"domain":         "domain",
	"tenant":         "tenant_id",
	"storage-driver": "storage.driver",
	"storage-path":   "storage.path",
	"storage-dsn":    "storage.dsn",
	"remote":         "remote.addr",
	"token":          "remote.token",
	"cacert":         "remote.cacert",
	"insecure":       "remote.insecure",
	"plaintext":      "remote.plaintext",
	"timeout":        "remote.timeout",
	"http-addr":      "http.addr",
	"log-level":      "log.level",
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	o := &rootOptions{v: config.New()}
	root := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline-first mutation queue for field devices",
		Version:       version + " (" + buildDate + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&o.configFile, "config", "", "config file (default ./fieldsync.yaml, then "+config.Dir()+")")
	pf.String("domain", "", "entity domain, e.g. customers")
	pf.String("tenant", "", "tenant id")
	pf.String("storage-driver", "", "queue storage: file|sqlite|mysql|postgres|memory")
	pf.String("storage-path", "", "directory (file) or database file (sqlite)")
	pf.String("storage-dsn", "", "DSN for mysql or postgres storage")
	pf.String("remote", "", "entity server host:port")
	pf.String("token", "", "bearer token (default: the one saved by login)")
	pf.String("cacert", "", "CA bundle for the server certificate")
	pf.Bool("insecure", false, "skip TLS certificate verification")
	pf.Bool("plaintext", false, "connect without TLS")
	pf.Duration("timeout", 0, "per-call timeout")
	pf.String("http-addr", "", "admin API listen address (serve)")
	pf.String("log-level", "", "debug|info|warn|error")
	bindFlags(o.v, pf)

	root.AddCommand(
		newEnqueueCmd(o),
		newStatusCmd(o),
		newDrainCmd(o),
		newConflictsCmd(o),
		newResolveCmd(o),
		newLoginCmd(),
		newServeCmd(o),
	)
	return root
}

// bindFlags lets a flag set on the command line win over file and env values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		stop()
		fail(err)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
