//go:build linux

package tlssocket

import (
	"golang.org/x/crypto/cryptobyte"

	"github.com/nyan233/asyncsock/tlsctx"
)

const (
	recordTypeHandshake   = 0x16
	handshakeTypeClientHi = 0x01
	recordHeaderLen       = 5
)

// tryParseClientHello implements spec.md §3/§4.2's raw ClientHello
// capture: the fields Go's stdlib tls.ClientHelloInfo never exposes
// (wire protocol version, compression methods, the raw extension-ID
// list) parsed directly off the first TLS record, the same way
// crypto/tls's own handshake_messages.go parses it internally —
// cryptobyte is literally the library crypto/tls uses for this.
//
// It returns (info, true) once a complete ClientHello record has
// accumulated in buf, (nil, false) if buf doesn't hold a complete
// record yet, and (nil, true) if buf holds something that isn't a
// ClientHello at all, in which case the caller should stop snooping
// rather than retry forever.
func tryParseClientHello(buf []byte) (*tlsctx.ClientHelloInfo, bool) {
	if len(buf) < recordHeaderLen {
		return nil, false
	}
	if buf[0] != recordTypeHandshake {
		return nil, true // not a handshake record; stop snooping
	}
	recLen := int(buf[3])<<8 | int(buf[4])
	if len(buf) < recordHeaderLen+recLen {
		return nil, false // record still arriving
	}
	body := buf[recordHeaderLen : recordHeaderLen+recLen]

	s := cryptobyte.String(body)
	var msgType uint8
	var hsBody cryptobyte.String
	if !s.ReadUint8(&msgType) || !s.ReadUint24LengthPrefixed(&hsBody) {
		return nil, true
	}
	if msgType != handshakeTypeClientHi {
		return nil, true
	}

	info := &tlsctx.ClientHelloInfo{}

	var legacyVersion uint16
	var random cryptobyte.String
	var sessionID cryptobyte.String
	if !hsBody.ReadUint16(&legacyVersion) ||
		!hsBody.ReadBytes((*[]byte)(&random), 32) ||
		!hsBody.ReadUint8LengthPrefixed(&sessionID) {
		return nil, true
	}
	info.Major = uint8(legacyVersion >> 8)
	info.Minor = uint8(legacyVersion)

	var cipherSuites cryptobyte.String
	if !hsBody.ReadUint16LengthPrefixed(&cipherSuites) {
		return nil, true
	}
	for !cipherSuites.Empty() {
		var cs uint16
		if !cipherSuites.ReadUint16(&cs) {
			return nil, true
		}
		info.CipherSuites = append(info.CipherSuites, cs)
	}

	var compression cryptobyte.String
	if !hsBody.ReadUint8LengthPrefixed(&compression) {
		return nil, true
	}
	for !compression.Empty() {
		var m uint8
		if !compression.ReadUint8(&m) {
			return nil, true
		}
		info.CompressionMeths = append(info.CompressionMeths, m)
	}

	if hsBody.Empty() {
		return info, true // no extensions block; still a valid ClientHello
	}
	var extensions cryptobyte.String
	if !hsBody.ReadUint16LengthPrefixed(&extensions) {
		return info, true
	}
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			break
		}
		info.Extensions = append(info.Extensions, extType)
		if extType == 0 { // server_name
			if name, ok := parseServerNameExtension(extData); ok {
				info.ServerName = name
			}
		}
	}
	return info, true
}

func parseServerNameExtension(data cryptobyte.String) (string, bool) {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) {
		return "", false
	}
	for !list.Empty() {
		var nameType uint8
		var name cryptobyte.String
		if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
			return "", false
		}
		if nameType == 0 { // host_name
			return string(name), true
		}
	}
	return "", false
}
