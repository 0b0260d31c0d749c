// Package orchestrator implements the Restore Orchestrator: the top-level
// sequencer that drives every other component through the 11-step happy
// path and owns the resulting RestorePlan.
//
// Modeled on a single function dispatching a fixed sequence of named steps
// with early-exit error handling, scaled here into a method-per-step
// sequencer returning typed restoreerr.Kind values instead of
// log.Fatalln/panic.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"futurecore/cache"
	"futurecore/device"
	"futurecore/firmware"
	"futurecore/internal/bootpatch"
	"futurecore/restoreerr"
	"futurecore/ticket"
	"futurecore/verify"
)

// sigPatchTable disables the signature-check call sites the patched-DFU
// path relies on, applied in place to whichever first/second-stage
// bootloader file the caller staged at Options.PatchedIBSSPath/IBECPath.
// The find/replace pair is a stand-in for the per-chip-generation
// signatures a real deployment would supply; callers that need a
// different table can still drive internal/bootpatch directly.
var sigPatchTable = []bootpatch.Patch{
	{Name: "disable-sigcheck", Find: []byte{0xE0, 0x03, 0x17, 0xE1}, Replace: []byte{0x00, 0x00, 0xA0, 0xE3}},
}

// Options carries every CLI-surfaced flag that changes the Orchestrator's
// behavior.
type Options struct {
	Kind ticket.InstallKind

	UsePwnDFU  bool
	PwnRecovery bool
	NoIBSS     bool
	NoRestore  bool
	NoRSEP     bool
	NoCache    bool
	SkipBlob   bool
	SetNonceOnly bool
	BootArgs   string

	// LegacyReRestore retries sending the ramdisk ticket once more before
	// entering Restore, for legacy devices that silently drop the first
	// write.
	LegacyReRestore bool

	Model             string
	OTA               bool
	FirmwareSelector  firmware.Selector
	TransitionTimeout time.Duration

	SEPOverridePath      string
	SEPManifestPath      string
	BasebandOverridePath string
	BasebandManifestPath string

	// PatchedIBSSPath/PatchedIBECPath point at caller-staged copies of the
	// device's first/second-stage bootloader, byte-patched in place and
	// uploaded during the patched-DFU detour.
	PatchedIBSSPath string
	PatchedIBECPath string
}

// RestorePlan is what the Orchestrator hands to the external restore
// engine: the chosen ticket, build identity, and every materialized
// component.
type RestorePlan struct {
	Ticket           ticket.Ticket
	BuildIdentity    firmware.BuildIdentity
	Components       map[string]cache.Component
	SEPManifest      *firmware.Manifest
	BasebandManifest *firmware.Manifest
	Warnings         []verify.Warning

	NoRestore bool
	NoRSEP    bool
	PwnDFU    bool
	BootArgs  string
}

// ExternalEngine is the external restore engine: the process this module
// hands a fully prepared RestorePlan to and never looks inside.
type ExternalEngine interface {
	Exec(ctx context.Context, plan RestorePlan) error
}

// Orchestrator sequences one restore attempt. Not safe for concurrent
// Run calls against the same Component Cache directory; the caller must
// ensure exclusivity.
type Orchestrator struct {
	log zerolog.Logger

	opts     Options
	tickets  *ticket.Store
	session  *device.Session
	index    *firmware.Index
	cache    *cache.Store
	verifier *verify.Verifier
	engine   ExternalEngine
}

func New(log zerolog.Logger, opts Options, tickets *ticket.Store, session *device.Session, index *firmware.Index, store *cache.Store, verifier *verify.Verifier, engine ExternalEngine) *Orchestrator {
	if opts.TransitionTimeout == 0 {
		opts.TransitionTimeout = 10 * time.Second
	}
	return &Orchestrator{
		log:      log.With().Str("component", "orchestrator").Logger(),
		opts:     opts,
		tickets:  tickets,
		session:  session,
		index:    index,
		cache:    store,
		verifier: verifier,
		engine:   engine,
	}
}

// Run executes the 11-step happy path against a user-supplied restore
// manifest archive, using ticketPaths as the signing tickets to load.
func (o *Orchestrator) Run(ctx context.Context, ticketPaths []string, manifestArchiveURL string) error {
	// Step 1: load tickets, observe device.
	if err := o.tickets.Load(ticketPaths, o.opts.Kind); err != nil {
		return err
	}
	info := o.session.Info()
	mode := o.session.CurrentMode()
	o.log.Info().Stringer("mode", mode).Uint64("ecid", info.ECID).Msg("observed device")

	// Step 2: Normal -> Recovery.
	if mode == device.Normal {
		if err := o.enterRecovery(); err != nil {
			return err
		}
		mode = device.Recovery
	}

	// Step 3: extract and parse the restore manifest.
	manifest, err := o.index.FetchBuildManifest(ctx, manifestArchiveURL)
	if err != nil {
		return err
	}

	// Step 4: select a BuildIdentity by (board, install-kind).
	bi, ok := manifest.Select(info.BoardID, o.opts.Kind)
	if !ok {
		return restoreerr.New(restoreerr.TicketMismatchIdentity, "no BuildIdentity for this device's board id in the supplied manifest")
	}

	// Step 5: call the Verifier.
	liveAP, err := o.liveAPNonceIfRecovery(mode)
	if err != nil {
		return err
	}
	var sepManifest, basebandManifest *firmware.Manifest
	if !o.opts.NoRSEP && info.SupportsImage4 && !o.opts.SetNonceOnly {
		sepManifest, err = o.fetchSEPManifest(ctx, info)
		if err != nil {
			return err
		}
	}

	result, err := o.verifier.Verify(verify.Input{
		Tickets:  o.tickets.Tickets(),
		Device:   info,
		Mode:     mode,
		LiveAP:   liveAP,
		Manifest: manifest,
		SEP:      sepManifest,
		Kind:     o.opts.Kind,
	})
	if err != nil {
		return err
	}
	chosenTicket, chosenBI := result.Ticket, bi

	// Step 6: patched-DFU detour, if requested.
	if o.opts.UsePwnDFU || o.opts.PwnRecovery {
		if mode, err = o.patchedDFUDetour(chosenTicket, info); err != nil {
			return err
		}
		if o.opts.PwnRecovery {
			o.log.Info().Msg("pwn-recovery requested, stopping in patched Recovery")
			return nil
		}
	}

	// Step 7: populate the Component Cache.
	components := make(map[string]cache.Component, len(chosenBI.Components))
	if !o.opts.NoCache {
		for name, ci := range chosenBI.Components {
			if name == "SEP" || name == "BasebandFirmware" {
				// fetched from the latest-signed firmware below, never
				// from the user-supplied restore archive.
				continue
			}
			if _, ok := cache.Lookup(name); !ok {
				continue
			}
			comp, err := o.cache.Materialize(ctx, manifestArchiveURL, o.opts.OTA, info.ChipID, name, ci)
			if err != nil {
				return err
			}
			o.log.Debug().Str("component", name).Str("size", humanize.Bytes(uint64(len(comp.Bytes)))).Msg("materialized component")
			components[name] = comp
		}

		if !o.opts.NoRSEP && info.SupportsImage4 {
			if sepManifest == nil {
				sepManifest, err = o.fetchSEPManifest(ctx, info)
				if err != nil {
					return err
				}
			}
			sepComp, err := o.materializeLatestSigned(ctx, "SEP", sepManifest, info)
			if err != nil {
				return err
			}
			if result.SEPComponent != nil {
				if err := verify.VerifySEPDigest(*result.SEPComponent, sepComp.Bytes); err != nil {
					return err
				}
			}
			components["SEP"] = sepComp

			if o.opts.BasebandOverridePath == "" {
				// a caller-supplied baseband bypasses the Firmware Index
				// entirely, like SEP (see fetchSEPManifest).
				basebandManifest, err = o.fetchLatestManifest(ctx, firmware.Release)
				if err != nil {
					return err
				}
			}
			bbComp, err := o.materializeLatestSigned(ctx, "BasebandFirmware", basebandManifest, info)
			if err != nil {
				return err
			}
			components["BasebandFirmware"] = bbComp
		}
	}

	// Step 8: send the ticket to the device (legacy only).
	if !chosenTicket.IsImage4 {
		if err := o.session.SendBuffer("ticket", chosenTicket.RawIM4M); err != nil {
			return err
		}
		if o.opts.LegacyReRestore {
			if err := o.session.SendBuffer("ticket", chosenTicket.RawIM4M); err != nil {
				return err
			}
		}
	}

	if o.opts.NoRestore {
		o.log.Info().Msg("no-restore requested, stopping before Restore transition")
		return nil
	}

	// Step 9: transition to Restore.
	if err := o.session.SendCommand("go"); err != nil {
		return err
	}
	if err := o.session.WaitFor(device.Restore, o.opts.TransitionTimeout); err != nil {
		return err
	}

	// Step 10: build the RestorePlan and hand off.
	plan := RestorePlan{
		Ticket:           chosenTicket,
		BuildIdentity:    chosenBI,
		Components:       components,
		SEPManifest:      sepManifest,
		BasebandManifest: basebandManifest,
		Warnings:         result.Warnings,
		NoRestore:        o.opts.NoRestore,
		NoRSEP:           o.opts.NoRSEP,
		PwnDFU:           o.opts.UsePwnDFU,
		BootArgs:         o.opts.BootArgs,
	}
	if err := o.engine.Exec(ctx, plan); err != nil {
		return restoreerr.Wrap(restoreerr.ExternalRestoreFailed, err, "external restore engine")
	}

	// Step 11: set autoboot and exit.
	return o.session.SetAutoboot(true)
}

func (o *Orchestrator) enterRecovery() error {
	if err := o.session.RequestEnterRecovery(); err != nil {
		return err
	}
	if err := o.session.WaitFor(device.Unknown, o.opts.TransitionTimeout); err != nil {
		return err
	}
	return o.session.WaitFor(device.Recovery, o.opts.TransitionTimeout)
}

func (o *Orchestrator) liveAPNonceIfRecovery(mode device.Mode) ([]byte, error) {
	if mode != device.Recovery {
		return nil, nil
	}
	return o.session.LiveAPNonce()
}

func (o *Orchestrator) fetchSEPManifest(ctx context.Context, info device.Info) (*firmware.Manifest, error) {
	if o.opts.SEPOverridePath != "" {
		return nil, nil // caller-supplied SEP bypasses the Firmware Index entirely (see materializeLatestSigned)
	}
	return o.fetchLatestManifest(ctx, firmware.Release)
}

func (o *Orchestrator) fetchLatestManifest(ctx context.Context, kind firmware.CatalogKind) (*firmware.Manifest, error) {
	desc, err := o.index.Resolve(ctx, o.opts.Model, kind, o.opts.FirmwareSelector)
	if err != nil {
		return nil, err
	}
	return o.index.FetchBuildManifest(ctx, desc.URL)
}

// materializeLatestSigned populates the cache for a component that must
// come from the *latest-signed* firmware, not the user-supplied archive,
// honoring an explicit override path if one was given.
func (o *Orchestrator) materializeLatestSigned(ctx context.Context, name string, manifest *firmware.Manifest, info device.Info) (cache.Component, error) {
	overridePath, overrideManifest := o.overrideFor(name)
	if overridePath != "" {
		return o.cache.LoadExternal(name, overridePath, overrideManifest, info.ChipID)
	}

	bi, ok := manifest.Select(info.BoardID, o.opts.Kind)
	if !ok {
		return cache.Component{}, restoreerr.New(restoreerr.ManifestMissing, "no BuildIdentity for "+name+"'s latest-signed manifest")
	}
	ci, ok := bi.Components[name]
	if !ok {
		return cache.Component{}, restoreerr.New(restoreerr.ManifestMissing, "latest-signed manifest has no "+name+" component")
	}
	desc, err := o.index.Resolve(ctx, o.opts.Model, firmware.Release, o.opts.FirmwareSelector)
	if err != nil {
		return cache.Component{}, err
	}
	if name == "BasebandFirmware" {
		bbcfgDigest, _ := bi.Components["BBCFG-DownloadDigest"]
		return o.cache.MaterializeBaseband(ctx, desc.URL, ci.Path, bbcfgDigest.Digest)
	}
	return o.cache.Materialize(ctx, desc.URL, false, info.ChipID, name, ci)
}

func (o *Orchestrator) overrideFor(name string) (path, manifestPath string) {
	switch name {
	case "SEP":
		return o.opts.SEPOverridePath, o.opts.SEPManifestPath
	case "BasebandFirmware":
		return o.opts.BasebandOverridePath, o.opts.BasebandManifestPath
	default:
		return "", ""
	}
}

// patchedDFUDetour waits until the device is observed in DFU, patches and
// uploads the first-stage bootloader (and the second-stage too, for chips
// whose patched-DFU path is two-stage), and confirms the device reaches
// Recovery again. It issues no request of its own to put the device into
// DFU.
func (o *Orchestrator) patchedDFUDetour(t ticket.Ticket, info device.Info) (device.Mode, error) {
	if err := o.session.WaitFor(device.DFU, o.opts.TransitionTimeout); err != nil {
		return device.Unknown, err
	}

	behavior := device.PatchedDFUBehaviorFor(info.ChipID)
	if behavior == device.PatchedDFUUnsupported {
		return device.Unknown, restoreerr.New(restoreerr.DeviceNotFound, fmt.Sprintf("no known patched-DFU path for chip id 0x%04X", info.ChipID))
	}

	if err := o.uploadPatched(o.opts.PatchedIBSSPath, "ibss"); err != nil {
		return device.Unknown, err
	}

	if behavior == device.PatchedDFUTwoStage {
		if err := o.session.WaitFor(device.DFU, o.opts.TransitionTimeout); err != nil {
			return device.Unknown, err
		}
		if err := o.uploadPatched(o.opts.PatchedIBECPath, "ibec"); err != nil {
			return device.Unknown, err
		}
	}

	if err := o.session.WaitFor(device.Unknown, o.opts.TransitionTimeout); err != nil {
		return device.Unknown, err
	}
	if err := o.session.WaitFor(device.Recovery, o.opts.TransitionTimeout); err != nil {
		return device.Unknown, err
	}
	return device.Recovery, nil
}

// uploadPatched applies sigPatchTable to path in place and streams the
// result to the device's current-mode data endpoint under name.
func (o *Orchestrator) uploadPatched(path, name string) error {
	if path == "" {
		return restoreerr.New(restoreerr.PatchedBootloaderUnavailable, "no patched "+name+" path supplied for the patched-DFU path")
	}
	res, err := bootpatch.ApplyFile(path, sigPatchTable)
	if err != nil {
		return restoreerr.Wrap(restoreerr.PatchedBootloaderUnavailable, err, "patch "+name)
	}
	o.log.Debug().Str("file", name).Interface("applied", res.Applied).Msg("patched bootloader image")

	data, err := os.ReadFile(path)
	if err != nil {
		return restoreerr.Wrap(restoreerr.PatchedBootloaderUnavailable, err, "read patched "+name)
	}
	return o.session.SendBuffer(name, data)
}

// CheckForUpdates is ambient informational tooling that never gates a
// restore: it returns the running build's version next to the latest one
// client reports, and hands any lookup error back to the caller;
// cmd/futurecore decides what to print and how to exit.
func CheckForUpdates(ctx context.Context, client interface {
	GetVersion(ctx context.Context) (string, error)
}) (current, latest string, upToDate bool, err error) {
	latest, err = client.GetVersion(ctx)
	if err != nil {
		return "", "", false, err
	}
	return buildVersion, latest, latest == buildVersion, nil
}

// buildVersion is stamped at release time; "dev" outside a tagged build.
var buildVersion = "dev"
