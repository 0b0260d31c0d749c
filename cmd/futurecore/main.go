// Command futurecore is the CLI front end over the Restore Orchestrator:
// a thin cobra shim that parses flags, wires the library packages
// together, and calls orchestrator.Run. It owns the one
// process-exit-on-error boundary the rest of the module never touches.
//
// Root-command wiring (persistent flags bound through viper, a structured
// logger built once at startup and threaded down to every component)
// scaled down to a single flat command.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"futurecore/cache"
	"futurecore/device"
	"futurecore/firmware"
	"futurecore/internal/fetch"
	"futurecore/internal/usbtransport"
	"futurecore/orchestrator"
	"futurecore/ticket"
	"futurecore/verify"
)

const envPrefix = "FUTURECORE"

type cliOptions struct {
	apTickets []string
	manifest  string
	serial    string
	model     string

	usePwnDFU   bool
	pwnRecovery bool
	noIBSS      bool
	setNonce    bool
	noRestore   bool
	noRSEP      bool
	noCache     bool
	skipBlob    bool
	bootArgs    string
	legacyRetry bool
	isUpdate    bool
	ota         bool

	latest      bool
	version     string
	build       string
	family      string

	sepOverride      string
	sepManifest      string
	basebandOverride string
	basebandManifest string
	ibssOverride     string
	ibecOverride     string

	cacheDir          string
	transitionTimeout time.Duration
	releaseCatalog    string
	betaCatalog       string
	otaCatalog        string
	restoreEngine     string

	checkUpdates    bool
	updateCheckURL  string
}

func main() {
	opts := &cliOptions{}
	root := newRootCommand(opts)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "futurecore:", err)
		os.Exit(1)
	}
}

func newRootCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "futurecore",
		Short: "Out-of-window firmware restore tool",
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&opts.apTickets, "apticket", nil, "path to a signing ticket (repeatable)")
	flags.StringVar(&opts.manifest, "manifest", "", "restore archive URL carrying BuildManifest.plist")
	flags.StringVar(&opts.serial, "serial", "", "attach to a specific device by serial number")
	flags.StringVar(&opts.model, "model", "", "device model identifier used for firmware catalog lookups")

	flags.BoolVar(&opts.usePwnDFU, "use-pwn-dfu", false, "restore through the patched-DFU path")
	flags.BoolVar(&opts.pwnRecovery, "pwn-recovery", false, "patched DFU into patched Recovery, not Restore")
	flags.BoolVar(&opts.noIBSS, "no-ibss", false, "caller manages the first-stage bootloader manually")
	flags.BoolVar(&opts.setNonce, "set-nonce", false, "skip the SEP manifest and SEP coherence check; the boot nonce is not programmed and the restore continues")
	flags.BoolVar(&opts.noRestore, "no-restore", false, "stop before the Recovery->Restore transition")
	flags.BoolVar(&opts.noRSEP, "no-rsep", false, "skip SEP/baseband population and coherence")
	flags.BoolVar(&opts.noCache, "no-cache", false, "bypass the Component Cache entirely")
	flags.BoolVar(&opts.skipBlob, "skip-blob", false, "downgrade ECID mismatch to a warning")
	flags.StringVar(&opts.bootArgs, "boot-args", "", "override boot-args handed to the external restore engine")
	flags.BoolVar(&opts.legacyRetry, "rerestore", false, "retry sending the legacy ramdisk ticket once more before Restore")
	flags.BoolVar(&opts.isUpdate, "update", false, "treat the restore as an Update install instead of Erase")
	flags.BoolVar(&opts.ota, "ota", false, "source restore-archive components from an OTA-layout archive")

	flags.BoolVar(&opts.latest, "latest", false, "resolve the newest signed firmware instead of requiring --manifest")
	flags.StringVar(&opts.version, "custom-latest-version", "", "pin an exact firmware version instead of the newest")
	flags.StringVar(&opts.build, "custom-latest-buildid", "", "pin an exact build id instead of the newest")
	flags.StringVar(&opts.family, "custom-latest-family", "", "OS family for the beta-by-family catalog fallback")

	flags.StringVar(&opts.sepOverride, "sep", "", "local SEP firmware file, bypassing the Firmware Index")
	flags.StringVar(&opts.sepManifest, "sep-manifest", "", "build manifest to verify --sep against")
	flags.StringVar(&opts.basebandOverride, "baseband", "", "local baseband firmware file, bypassing the Firmware Index")
	flags.StringVar(&opts.basebandManifest, "baseband-manifest", "", "build manifest to verify --baseband against")
	flags.StringVar(&opts.ibssOverride, "ibss", "", "patched first-stage bootloader for the patched-DFU path")
	flags.StringVar(&opts.ibecOverride, "ibec", "", "patched second-stage bootloader for the patched-DFU path")

	flags.StringVar(&opts.cacheDir, "cache-dir", "", "Component Cache directory (default: $HOME/.futurecore/cache)")
	flags.DurationVar(&opts.transitionTimeout, "transition-timeout", 10*time.Second, "timeout waiting for a mode transition")
	flags.StringVar(&opts.releaseCatalog, "release-catalog", "", "release firmware catalog URL")
	flags.StringVar(&opts.betaCatalog, "beta-catalog", "", "beta firmware catalog URL")
	flags.StringVar(&opts.otaCatalog, "ota-catalog", "", "OTA firmware catalog URL")
	flags.StringVar(&opts.restoreEngine, "restore-engine", "", "path to the external restore engine binary")

	flags.BoolVar(&opts.checkUpdates, "check-updates", false, "print the current and latest release version and exit")
	flags.StringVar(&opts.updateCheckURL, "update-check-url", "", "endpoint returning the latest release version")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		applyEnvOverrides(cmd, opts)
		return run(cmd.Context(), opts)
	}

	return cmd
}

// applyEnvOverrides lets FUTURECORE_-prefixed environment variables supply
// the ambient-configuration flags (cache directory, transition timeout,
// catalog endpoints, restore engine path) the caller didn't pass
// explicitly, via a viper prefix binding.
func applyEnvOverrides(cmd *cobra.Command, opts *cliOptions) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	configFlags := []string{"cache-dir", "transition-timeout", "release-catalog", "beta-catalog", "ota-catalog", "restore-engine"}
	for _, name := range configFlags {
		_ = v.BindPFlag(name, cmd.Flags().Lookup(name))
	}

	opts.cacheDir = v.GetString("cache-dir")
	if d := v.GetDuration("transition-timeout"); d > 0 {
		opts.transitionTimeout = d
	}
	opts.releaseCatalog = v.GetString("release-catalog")
	opts.betaCatalog = v.GetString("beta-catalog")
	opts.otaCatalog = v.GetString("ota-catalog")
	opts.restoreEngine = v.GetString("restore-engine")
}

func run(ctx context.Context, opts *cliOptions) error {
	log := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) { w.Out = os.Stderr })).
		With().Timestamp().Logger()

	if opts.checkUpdates {
		return printUpdateCheck(ctx, log, opts)
	}

	if len(opts.apTickets) == 0 {
		return fmt.Errorf("at least one --apticket is required")
	}
	if opts.manifest == "" && !opts.latest {
		return fmt.Errorf("either --manifest or --latest is required")
	}

	kind := ticket.Erase
	if opts.isUpdate {
		kind = ticket.Update
	}

	cacheDir := opts.cacheDir
	if cacheDir == "" {
		cacheDir = os.ExpandEnv("$HOME/.futurecore/cache")
	}

	client := fetch.NewClient(log, 60*time.Second)

	transport, err := usbtransport.Open(log, opts.serial)
	if err != nil {
		return err
	}
	session := device.NewSession(log, transport)

	tickets := ticket.NewStore(log)
	index := firmware.NewIndex(log, client, firmware.Endpoints{
		Release: opts.releaseCatalog,
		Beta:    opts.betaCatalog,
		OTA:     opts.otaCatalog,
	})
	store, err := cache.NewStore(log, client, cacheDir)
	if err != nil {
		return err
	}
	verifier := verify.NewVerifier(log, verify.Options{
		SkipBlob:     opts.skipBlob,
		PatchedDFU:   opts.usePwnDFU,
		NoIBSS:       opts.noIBSS,
		SetNonceOnly: opts.setNonce,
	})
	engine := newProcessEngine(log, opts.restoreEngine, cacheDir+"/engine-scratch")

	orch := orchestrator.New(log, orchestrator.Options{
		Kind:                 kind,
		UsePwnDFU:            opts.usePwnDFU,
		PwnRecovery:          opts.pwnRecovery,
		NoIBSS:               opts.noIBSS,
		NoRestore:            opts.noRestore,
		NoRSEP:               opts.noRSEP,
		NoCache:              opts.noCache,
		SkipBlob:             opts.skipBlob,
		SetNonceOnly:         opts.setNonce,
		BootArgs:             opts.bootArgs,
		LegacyReRestore:      opts.legacyRetry,
		Model:                opts.model,
		OTA:                  opts.ota,
		FirmwareSelector:     firmware.Selector{Latest: opts.latest, Version: opts.version, Build: opts.build, Family: opts.family},
		TransitionTimeout:    opts.transitionTimeout,
		SEPOverridePath:      opts.sepOverride,
		SEPManifestPath:      opts.sepManifest,
		BasebandOverridePath: opts.basebandOverride,
		BasebandManifestPath: opts.basebandManifest,
		PatchedIBSSPath:      opts.ibssOverride,
		PatchedIBECPath:      opts.ibecOverride,
	}, tickets, session, index, store, verifier, engine)

	manifestURL := opts.manifest
	if manifestURL == "" {
		desc, err := index.Resolve(ctx, opts.model, firmware.Release, firmware.Selector{Latest: true, Version: opts.version, Build: opts.build, Family: opts.family})
		if err != nil {
			return err
		}
		manifestURL = desc.URL
	}

	return orch.Run(ctx, opts.apTickets, manifestURL)
}

type versionClient struct {
	client *fetch.Client
	url    string
}

func (c versionClient) GetVersion(ctx context.Context) (string, error) {
	body, err := c.client.GetBytes(ctx, c.url)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func printUpdateCheck(ctx context.Context, log zerolog.Logger, opts *cliOptions) error {
	if opts.updateCheckURL == "" {
		return fmt.Errorf("--check-updates requires --update-check-url")
	}
	client := fetch.NewClient(log, 10*time.Second)
	current, latest, upToDate, err := orchestrator.CheckForUpdates(ctx, versionClient{client: client, url: opts.updateCheckURL})
	if err != nil {
		return err
	}
	if upToDate {
		fmt.Printf("futurecore %s is up to date\n", current)
	} else {
		fmt.Printf("futurecore %s, latest is %s\n", current, latest)
	}
	return nil
}
