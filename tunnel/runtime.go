package tunnel

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/yllada/nebula-manager/common"
)

// RenderRuntimeConfig rewrites a configuration so that pki.key points at
// keyPath, leaving everything else untouched.
func RenderRuntimeConfig(raw []byte, keyPath string) ([]byte, error) {
	doc, err := parseDocument(raw)
	if err != nil {
		return nil, err
	}
	pki := asMap(doc["pki"])
	if pki == nil {
		pki = map[string]interface{}{}
	}
	pki["key"] = keyPath
	doc["pki"] = pki

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render runtime config: %w", err)
	}
	return out, nil
}

// SeedHostmap lists the peers a configuration knows about before any
// handshake: every static_host_map entry, named "lighthouse" when it also
// appears in lighthouse.hosts.
func SeedHostmap(raw []byte) (map[string]common.HostInfo, error) {
	doc, err := parseDocument(raw)
	if err != nil {
		return nil, err
	}

	lighthouses := asStrings(asMap(doc["lighthouse"])["hosts"])
	hosts := make(map[string]common.HostInfo)
	for vpnIP, addrs := range asMap(doc["static_host_map"]) {
		info := common.HostInfo{}
		if list := asStrings(addrs); len(list) > 0 {
			info.RemoteAddress = list[0]
		}
		if common.StringInSlice(vpnIP, lighthouses) {
			info.Name = "lighthouse"
		}
		hosts[vpnIP] = info
	}
	return hosts, nil
}
