package chains

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

type networkFile struct {
	Active   uint64          `toml:"active"`
	Networks []networkRecord `toml:"network"`
}

type networkRecord struct {
	Key           string `toml:"key"`
	ChainID       uint64 `toml:"chain_id"`
	Name          string `toml:"name"`
	RPCURL        string `toml:"rpc_url"`
	StakeContract string `toml:"stake_contract"`
	NFTContract   string `toml:"nft_contract"`
	Explorer      string `toml:"explorer"`
}

// LoadFile reads the supported network set from a TOML file and returns the
// networks together with the configured active chain ID.
func LoadFile(path string) ([]Network, uint64, error) {
	var file networkFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, 0, fmt.Errorf("chains: decode %s: %w", path, err)
	}
	if len(file.Networks) == 0 {
		return nil, 0, ErrNoNetworks
	}
	networks := make([]Network, 0, len(file.Networks))
	for _, rec := range file.Networks {
		key := strings.TrimSpace(rec.Key)
		if key == "" {
			key = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(rec.Name), " ", "-"))
		}
		networks = append(networks, Network{
			Key:           key,
			ChainID:       rec.ChainID,
			Name:          strings.TrimSpace(rec.Name),
			RPCURL:        strings.TrimSpace(rec.RPCURL),
			StakeContract: strings.TrimSpace(rec.StakeContract),
			NFTContract:   strings.TrimSpace(rec.NFTContract),
			Explorer:      strings.TrimSpace(rec.Explorer),
		})
	}
	active := file.Active
	if active == 0 {
		active = networks[0].ChainID
	}
	return networks, active, nil
}
