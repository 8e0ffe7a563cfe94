package batch

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"costgate/internal/core"
)

// fingerprintContentLimit bounds how much message content feeds the hash.
// Long prompts that share a prefix are deliberately treated as duplicates.
const fingerprintContentLimit = 256

// Fingerprint derives the content-similarity key for a request: the
// lower-cased, truncated concatenation of message contents plus the model
// name, hashed to a short hex string. Requests with equal fingerprints are
// deduplicated into a single generation.
func Fingerprint(req *core.GenerationRequest) string {
	var b strings.Builder
	for _, m := range req.Messages {
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}

	content := strings.ToLower(b.String())
	if len(content) > fingerprintContentLimit {
		content = content[:fingerprintContentLimit]
	}

	h := xxhash.New()
	h.WriteString(content)      //nolint:errcheck
	h.WriteString(req.Model)    //nolint:errcheck
	return strconv.FormatUint(h.Sum64(), 16)
}
