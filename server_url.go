package main

import (
	"fmt"
	"net"
	"strings"
)

// endpointURLs describes where the coordinator can be reached once it is listening.
type endpointURLs struct {
	HTTP          string
	Notifications string
	Exam          string
}

// listenerURLs derives the advertised URLs for the HTTP listener.
// 1.- Pick http/ws or https/wss depending on whether TLS is configured.
// 2.- Normalise wildcard hosts so the log line always shows a reachable host:port pair.
func listenerURLs(address string, tlsEnabled bool) endpointURLs {
	scheme, wsScheme := "http", "ws"
	if tlsEnabled {
		scheme, wsScheme = "https", "wss"
	}
	host := normaliseHostPort(address)
	return endpointURLs{
		HTTP:          fmt.Sprintf("%s://%s", scheme, host),
		Notifications: fmt.Sprintf("%s://%s/ws/notifications", wsScheme, host),
		Exam:          fmt.Sprintf("%s://%s/ws/exam/{slug}", wsScheme, host),
	}
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	switch strings.TrimSpace(host) {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return net.JoinHostPort(strings.TrimSpace(host), port)
}
