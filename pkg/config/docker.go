package config

import (
	"net"
	"os"
	"strings"
	"sync"
)

// dockerHostAlias reaches the host machine from inside a container.
const dockerHostAlias = "host.docker.internal"

var (
	dockerMarkerPath = "/.dockerenv"
	isDockerOnce     sync.Once
	isDockerResult   bool
)

// IsRunningInDocker reports whether the process runs inside a Docker container. The
// check looks for /.dockerenv once and caches the answer.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat(dockerMarkerPath)
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker rewrites loopback hosts to host.docker.internal when running in
// Docker, so a warehouse or Redis on the developer's machine stays reachable.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, IsRunningInDocker())
}

func resolveHost(host string, inDocker bool) string {
	if !inDocker || !isLoopback(host) {
		return host
	}
	return dockerHostAlias
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
