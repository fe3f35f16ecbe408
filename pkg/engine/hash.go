package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/queuetue/phasor/pkg/plan"
)

// phaseHash digests a phase's definition together with snapshots of its
// bound resources. A phase whose hash matches its last successful apply,
// with no re-applied dependencies, is idempotently skippable. Resources
// arrive pre-sorted by key from the binder.
func phaseHash(ph *plan.Phase, resources []*Resource) string {
	h := sha256.New()

	fmt.Fprintf(h, "phase:%s\n", ph.ID)
	fragment, err := yaml.Marshal(ph)
	if err != nil {
		// Marshaling a loaded phase cannot realistically fail; keep the
		// digest deterministic anyway.
		fragment = []byte(fmt.Sprintf("%+v", ph))
	}
	h.Write(fragment)

	for _, r := range resources {
		fmt.Fprintf(h, "resource:%s\n", r.Hash())
	}
	return hex.EncodeToString(h.Sum(nil))
}
