package grpcauthz

import (
	"context"
	"net"
	"strconv"
	"strings"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/samijaber1/aegis-authz/internal/attr"
)

const authorityHeader = ":authority"

// Extract builds the attribute snapshot for a call. fullMethod is the
// "/package.Service/Method" form gRPC hands to interceptors. Attributes the
// connection cannot supply are left absent.
func Extract(ctx context.Context, fullMethod string) (*attr.Snapshot, error) {
	method := strings.TrimPrefix(fullMethod, "/")

	b := attr.NewBuilder().
		String(attr.RequestURLPath, "/"+method).
		String(attr.RequestMethod, method).
		String(attr.RequestHost, serviceName(method))

	md, _ := metadata.FromIncomingContext(ctx)
	b.Headers(attr.RequestHeaders, requestHeaders(md))

	serverName := ""
	if p, ok := peer.FromContext(ctx); ok {
		if host, port, ok := splitAddr(p.Addr); ok {
			b.String(attr.SourceAddress, host)
			if port >= 0 {
				b.Int(attr.SourcePort, port)
			}
		}
		if host, port, ok := splitAddr(p.LocalAddr); ok {
			b.String(attr.DestinationAddress, host)
			if port >= 0 {
				b.Int(attr.DestinationPort, port)
			}
		}
		if tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo); ok {
			serverName = tlsInfo.State.ServerName
			if certs := tlsInfo.State.PeerCertificates; len(certs) > 0 && len(certs[0].URIs) > 0 {
				b.String(attr.ConnectionURISANPeerCertificate, certs[0].URIs[0].String())
			}
		}
	}

	if serverName == "" {
		if values := md.Get(authorityHeader); len(values) > 0 {
			serverName = values[0]
		}
	}
	b.String(attr.ConnectionRequestedServerName, serverName)

	return b.Build()
}

// serviceName returns "package.Service" from "package.Service/Method"
func serviceName(method string) string {
	if i := strings.LastIndex(method, "/"); i >= 0 {
		return method[:i]
	}
	return method
}

// requestHeaders keeps the text headers; pseudo-headers and binary (-bin)
// headers are not representable as strings
func requestHeaders(md metadata.MD) map[string][]string {
	headers := make(map[string][]string, len(md))
	for key, values := range md {
		if strings.HasPrefix(key, ":") || strings.HasSuffix(key, "-bin") {
			continue
		}
		headers[key] = values
	}
	return headers
}

// splitAddr returns the host and port of addr; port is -1 when addr has none
func splitAddr(addr net.Addr) (string, int64, bool) {
	if addr == nil {
		return "", -1, false
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), int64(tcp.Port), true
	}

	s := addr.String()
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return s, -1, s != ""
	}
	port, err := strconv.ParseInt(portStr, 10, 64)
	if err != nil {
		return host, -1, true
	}
	return host, port, true
}
