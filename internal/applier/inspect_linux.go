//go:build linux
// +build linux

package applier

import (
	"github.com/google/nftables"

	"grimm.is/egret/internal/brand"
)

// TableInstalled checks for the managed table over netlink directly,
// without exec'ing the nft binary. Cheaper than a full dump when only
// presence matters (status, health checks).
func TableInstalled() (bool, error) {
	conn, err := nftables.New()
	if err != nil {
		return false, err
	}
	tables, err := conn.ListTablesOfFamily(nftables.TableFamilyINet)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t.Name == brand.TableName {
			return true, nil
		}
	}
	return false, nil
}
