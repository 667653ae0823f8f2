package rpc

import (
	"fmt"
	"net/url"
	"strconv"
)

// LCD endpoint paths. All paths are built here so a move to a different gateway touches one file.

const (
	latestBlockPath = "/blocks/latest"
	txsSearchPath   = "/txs"
)

func txsInRangePath(from, to uint64, limit, page int) string {
	q := url.Values{}
	q.Set("tx.minheight", strconv.FormatUint(from, 10))
	q.Set("tx.maxheight", strconv.FormatUint(to, 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(page))
	return txsSearchPath + "?" + q.Encode()
}

func contractStorePath(address string, queryMsg []byte, height uint64) string {
	q := url.Values{}
	q.Set("query_msg", string(queryMsg))
	if height > 0 {
		q.Set("height", strconv.FormatUint(height, 10))
	}
	return fmt.Sprintf("/wasm/contracts/%s/store?%s", url.PathEscape(address), q.Encode())
}

func bankBalancesPath(address string) string {
	return fmt.Sprintf("/bank/balances/%s", url.PathEscape(address))
}
