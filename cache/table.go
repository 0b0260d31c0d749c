// Package cache implements the Component Cache: a content-addressed local
// store of auxiliary firmware payloads, keyed by the manifest's digest
// for each component.
package cache

// Spec describes one cacheable component: the manifest key it appears
// under in a BuildIdentity and the fixed filename it materializes to
// inside the cache directory.
type Spec struct {
	ManifestKey string
	CacheFile   string
	// AlwaysRefetch marks components the manifest never exposes a stable
	// cache digest for: for the secure element, the vendor manifest does
	// not expose a stable cache digest, so this component is always
	// re-downloaded.
	AlwaysRefetch bool
}

// Table enumerates every component the Component Cache knows how to
// materialize. A manifest component not present here is simply not
// requested by the Orchestrator — it is not an error for the Manifest to
// list components outside this table.
var Table = buildTable()

func buildTable() []Spec {
	t := []Spec{
		{ManifestKey: "Rap,RTKitOS", CacheFile: "rose"},
		{ManifestKey: "SE,UpdatePayload", CacheFile: "se.sefw", AlwaysRefetch: true},
		{ManifestKey: "Savage,B0-Prod-Patch", CacheFile: "savage_b0_prod"},
		{ManifestKey: "Savage,B0-Dev-Patch", CacheFile: "savage_b0_dev"},
		{ManifestKey: "Savage,B2-Prod-Patch", CacheFile: "savage_b2_prod"},
		{ManifestKey: "Savage,B2-Dev-Patch", CacheFile: "savage_b2_dev"},
		{ManifestKey: "Savage,BA-Prod-Patch", CacheFile: "savage_ba_prod"},
		{ManifestKey: "Savage,BA-Dev-Patch", CacheFile: "savage_ba_dev"},
		{ManifestKey: "BMU,DigestMap", CacheFile: "veridian_digest_map"},
		{ManifestKey: "BMU,FirmwareMap", CacheFile: "veridian_firmware_map"},
		{ManifestKey: "Timer,RestoreRTKitOS", CacheFile: "timer"},
		{ManifestKey: "Baobab,TCON", CacheFile: "baobab"},
		{ManifestKey: "BasebandFirmware", CacheFile: "baseband.bbfw"},
		{ManifestKey: "SEP", CacheFile: "sep.im4p"},
	}
	for _, suffix := range "0123456789ABCDEF" {
		t = append(t, Spec{
			ManifestKey: "Yonkers,SysTopPatch" + string(suffix),
			CacheFile:   "yonkers_" + string(suffix),
		})
	}
	for _, part := range []string{"SystemOS", "SystemVolume", "SystemTrustCache", "AppOS", "AppVolume", "AppTrustCache"} {
		t = append(t, Spec{
			ManifestKey: "Cryptex1," + part,
			CacheFile:   "cryptex_" + part,
		})
	}
	return t
}

var byKey = indexTable()

func indexTable() map[string]Spec {
	m := make(map[string]Spec, len(Table))
	for _, s := range Table {
		m[s.ManifestKey] = s
	}
	return m
}

// Lookup returns the Spec for a manifest component key.
func Lookup(manifestKey string) (Spec, bool) {
	s, ok := byKey[manifestKey]
	return s, ok
}
