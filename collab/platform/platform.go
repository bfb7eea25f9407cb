package platform

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/teranos/agentdeploy/collab/build"
	"github.com/teranos/agentdeploy/pipeline"
)

// ServiceName is the stable name of the service deployed for req: the config
// name plus a short hash of the agent, so two agents can reuse a name.
func ServiceName(req pipeline.DeployRequest) string {
	sum := sha256.Sum256([]byte(req.AgentID))
	suffix := hex.EncodeToString(sum[:])[:8]
	name := req.Config.Name
	if len(name) > 63-len(suffix)-1 {
		name = strings.TrimRight(name[:63-len(suffix)-1], "-")
	}
	return name + "-" + suffix
}

// imageFor resolves the container image of a rollout: a prebuilt image
// artifact wins over the configured image.
func imageFor(req pipeline.DeployRequest) string {
	if strings.HasPrefix(req.ArtifactRef, build.ImageScheme) {
		return strings.TrimPrefix(req.ArtifactRef, build.ImageScheme)
	}
	return req.Config.Image
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
