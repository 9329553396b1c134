//go:build linux

package nft

import "github.com/google/nftables"

// nftAvailable probes the nftables netlink family by opening a connection
// and listing tables; any error (missing NFNETLINK module, no permission)
// means the backend can't be used.
func nftAvailable() bool {
	conn := &nftables.Conn{}
	_, err := conn.ListTables()
	return err == nil
}
