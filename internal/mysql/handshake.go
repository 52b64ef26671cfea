package mysql

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // mysql_native_password is defined in terms of SHA-1
	"encoding/binary"
	"fmt"
)

// Capability flags used by this proxy when speaking either end of the
// handshake. Only the bits the proxy actually inspects or sets are named.
const (
	ClientLongPassword     = uint32(1)
	ClientConnectWithDB    = uint32(8)
	ClientProtocol41       = uint32(512)
	ClientSecureConnection = uint32(32768)
	ClientPluginAuth       = uint32(1 << 19)
	ClientPluginAuthLenEnc = uint32(1 << 21)
)

// ServerHandshake is the parsed form of a Protocol::HandshakeV10 packet.
type ServerHandshake struct {
	AuthPluginData []byte
	Capabilities   uint32
	PluginName     string
}

// ParseServerHandshake parses a Protocol::HandshakeV10 payload as sent by a
// real MariaDB/MySQL server to a freshly dialed connection.
func ParseServerHandshake(pkt []byte) (ServerHandshake, error) {
	var hs ServerHandshake
	if len(pkt) < 1 {
		return hs, fmt.Errorf("mysql: empty handshake packet")
	}
	if pkt[0] == ErrPacket {
		return hs, fmt.Errorf("mysql: server sent error on connect")
	}

	pos := 1
	for pos < len(pkt) && pkt[pos] != 0 {
		pos++
	}
	pos++
	if pos+4 > len(pkt) {
		return hs, fmt.Errorf("mysql: handshake packet too short")
	}
	pos += 4 // connection id

	if pos+8 > len(pkt) {
		return hs, fmt.Errorf("mysql: handshake packet too short for auth data 1")
	}
	authData := append([]byte(nil), pkt[pos:pos+8]...)
	pos += 8
	pos++ // filler

	if pos+2 > len(pkt) {
		return hs, fmt.Errorf("mysql: handshake packet too short for capabilities")
	}
	capLow := uint32(binary.LittleEndian.Uint16(pkt[pos : pos+2]))
	pos += 2

	if pos+3 > len(pkt) {
		return hs, fmt.Errorf("mysql: handshake packet too short for charset/status")
	}
	pos += 3

	if pos+2 > len(pkt) {
		return hs, fmt.Errorf("mysql: handshake packet too short for capabilities high")
	}
	capHigh := uint32(binary.LittleEndian.Uint16(pkt[pos:pos+2])) << 16
	capFlags := capLow | capHigh
	pos += 2

	var authPluginDataLen int
	if pos < len(pkt) {
		authPluginDataLen = int(pkt[pos])
		pos++
	}
	pos += 10 // reserved

	part2Len := authPluginDataLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(pkt) {
		part2Len = len(pkt) - pos
	}
	if part2Len > 0 {
		part2 := pkt[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
	}
	pos += part2Len

	pluginName := "mysql_native_password"
	if capFlags&ClientPluginAuth != 0 && pos < len(pkt) {
		end := pos
		for end < len(pkt) && pkt[end] != 0 {
			end++
		}
		pluginName = string(pkt[pos:end])
	}

	hs.AuthPluginData = authData
	hs.Capabilities = capFlags
	hs.PluginName = pluginName
	return hs, nil
}

// BuildHandshakeResponse41 builds the packet a MySQL *client* sends back
// after receiving a server handshake, authenticating as user/password
// against the given auth plugin data, optionally selecting a database.
func BuildHandshakeResponse41(username, password, database string, authPluginData []byte) []byte {
	clientCaps := ClientLongPassword | ClientProtocol41 | ClientSecureConnection | ClientPluginAuth
	if database != "" {
		clientCaps |= ClientConnectWithDB
	}

	authResp := NativePasswordHash([]byte(password), authPluginData)

	var resp []byte
	capBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(capBuf, clientCaps)
	resp = append(resp, capBuf...)
	resp = append(resp, 0xff, 0xff, 0xff, 0x00)
	resp = append(resp, 0x21) // utf8_general_ci
	resp = append(resp, make([]byte, 23)...)
	resp = append(resp, []byte(username)...)
	resp = append(resp, 0)
	resp = append(resp, byte(len(authResp)))
	resp = append(resp, authResp...)
	if database != "" {
		resp = append(resp, []byte(database)...)
		resp = append(resp, 0)
	}
	resp = append(resp, []byte("mysql_native_password")...)
	resp = append(resp, 0)
	return resp
}

// NativePasswordHash computes the mysql_native_password response:
// SHA1(password) XOR SHA1(authData ‖ SHA1(SHA1(password))).
func NativePasswordHash(password, authData []byte) []byte {
	if len(password) == 0 {
		return []byte{}
	}
	h1 := sha1.Sum(password) //nolint:gosec
	h2 := sha1.Sum(h1[:])    //nolint:gosec
	h := sha1.New()          //nolint:gosec
	h.Write(authData)
	h.Write(h2[:])
	h3 := h.Sum(nil)
	out := make([]byte, 20)
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

// RandomScramble generates a 20-byte auth challenge with no zero bytes, as
// required by the protocol's null-terminated auth-data-part framing.
func RandomScramble() ([]byte, error) {
	data := make([]byte, 20)
	if _, err := rand.Read(data); err != nil {
		return nil, fmt.Errorf("mysql: generating scramble: %w", err)
	}
	for i := range data {
		if data[i] == 0 {
			data[i] = 1
		}
	}
	return data, nil
}

// BuildServerHandshake builds a synthetic Protocol::HandshakeV10 packet the
// proxy sends to clients before authenticating them. The listener's bound
// service is already known at this point (spec §3 Listener); the client's
// HandshakeResponse41 is only inspected to verify username/password against
// that service's single configured account.
func BuildServerHandshake(serverVersion string, connectionID uint32, scramble []byte) []byte {
	var buf []byte
	buf = append(buf, 10) // protocol version
	buf = append(buf, serverVersion...)
	buf = append(buf, 0)
	buf = append(buf, byte(connectionID), byte(connectionID>>8), byte(connectionID>>16), byte(connectionID>>24))
	buf = append(buf, scramble[:8]...)
	buf = append(buf, 0) // filler
	capLow := uint16(0xf7ff)
	buf = append(buf, byte(capLow), byte(capLow>>8))
	buf = append(buf, 33) // utf8
	buf = append(buf, 0x02, 0x00)
	capHigh := uint16(0x0081)
	buf = append(buf, byte(capHigh), byte(capHigh>>8))
	buf = append(buf, 21) // auth-plugin-data length
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, scramble[8:]...)
	buf = append(buf, 0x00)
	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)
	return buf
}

// ClientHandshakeResponse is the parsed form of a client's
// HandshakeResponse41 packet.
type ClientHandshakeResponse struct {
	ClientFlags uint32
	Username    string
	AuthData    []byte
	Database    string
	Raw         []byte
}

// ParseClientHandshakeResponse parses a client's HandshakeResponse41 packet
// (header included, for easy re-forwarding to a real backend).
func ParseClientHandshakeResponse(rawPacketWithHeader []byte) (ClientHandshakeResponse, error) {
	var out ClientHandshakeResponse
	if len(rawPacketWithHeader) < 4 {
		return out, fmt.Errorf("mysql: handshake response too short")
	}
	payload := rawPacketWithHeader[4:]
	if len(payload) < 32 {
		return out, fmt.Errorf("mysql: handshake response payload too short")
	}
	out.Raw = rawPacketWithHeader
	out.ClientFlags = binary.LittleEndian.Uint32(payload[0:4])

	pos := 32
	usernameEnd := pos
	for usernameEnd < len(payload) && payload[usernameEnd] != 0 {
		usernameEnd++
	}
	out.Username = string(payload[pos:usernameEnd])
	pos = usernameEnd + 1

	switch {
	case out.ClientFlags&ClientPluginAuthLenEnc != 0, out.ClientFlags&ClientSecureConnection != 0:
		if pos < len(payload) {
			authLen := int(payload[pos])
			pos++
			if pos+authLen <= len(payload) {
				out.AuthData = payload[pos : pos+authLen]
				pos += authLen
			}
		}
	default:
		authEnd := pos
		for authEnd < len(payload) && payload[authEnd] != 0 {
			authEnd++
		}
		out.AuthData = payload[pos:authEnd]
		pos = authEnd + 1
	}

	if out.ClientFlags&ClientConnectWithDB != 0 && pos < len(payload) {
		dbEnd := pos
		for dbEnd < len(payload) && payload[dbEnd] != 0 {
			dbEnd++
		}
		out.Database = string(payload[pos:dbEnd])
	}

	return out, nil
}
