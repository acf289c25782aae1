package types

import (
	"errors"
	"strconv"
	"strings"
)

// 端點網路類型
const (
	NetworkTCP  = "tcp"
	NetworkUnix = "unix"
)

var ErrEmptyEndpoint = errors.New("endpoint: empty")

// Endpoint status server 端點
type Endpoint struct {
	Network string
	Address string
}

// ParseEndpoint 解析端點字串
//
// 含冒號且冒號右側為 0..65535 的整數時視為 TCP（host:port，port 0 表示自動選擇），
// 其餘一律視為 UNIX socket 路徑
func ParseEndpoint(s string) (Endpoint, error) {
	if s == "" {
		return Endpoint{}, ErrEmptyEndpoint
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		if port, err := strconv.Atoi(s[i+1:]); err == nil && port >= 0 && port <= 65535 && !strings.HasPrefix(s[i+1:], "+") {
			return Endpoint{Network: NetworkTCP, Address: s}, nil
		}
	}
	return Endpoint{Network: NetworkUnix, Address: s}, nil
}

// IsTCP 是否為 TCP 端點
func (e Endpoint) IsTCP() bool { return e.Network == NetworkTCP }

// String 實作 fmt.Stringer
func (e Endpoint) String() string { return e.Address }
