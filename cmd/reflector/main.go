// Command reflector runs the PacketParamedic Reflector: a standalone
// appliance-grade endpoint that peers contact over mutually-authenticated
// TLS to run supervised throughput and UDP echo tests.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/audit"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/authz"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/certbind"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/healthz"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/identity"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/metrics"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/pathmeta"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/reflector"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/tlsconfig"
)

// buildVersion and buildHash are overridable at link time via -ldflags.
var (
	buildVersion = "dev"
	buildHash    = "unknown"
)

const pairingTTL = 15 * time.Minute

func main() {
	zapLog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	log := zapr.NewLogger(zapLog)

	identityPath := envOr("REFLECTOR_IDENTITY_PATH", "/var/lib/reflector/identity.key")
	listenAddr := envOr("REFLECTOR_LISTEN_ADDR", "0.0.0.0:4000")
	healthAddr := envOr("REFLECTOR_HEALTH_ADDR", "0.0.0.0:7301")
	metricsAddr := envOr("REFLECTOR_METRICS_ADDR", "0.0.0.0:7302")
	iperf3Path := envOr("REFLECTOR_IPERF3_PATH", "iperf3")
	deploymentMode := envOr("REFLECTOR_DEPLOYMENT_MODE", "auto")
	auditPath := envOr("REFLECTOR_AUDIT_LOG_PATH", "/var/log/reflector/audit.jsonl")

	maxTestDurationSec := envOrUint32("REFLECTOR_MAX_TEST_DURATION_SEC", 60)
	maxConcurrentTests := envOrUint32("REFLECTOR_MAX_CONCURRENT_TESTS", 1)
	maxTestsPerHour := envOrUint32("REFLECTOR_MAX_TESTS_PER_HOUR", 10)
	portRangeStart := envOrUint16("REFLECTOR_PORT_RANGE_START", 5201)
	portRangeEnd := envOrUint16("REFLECTOR_PORT_RANGE_END", 5299)
	allowThroughput := envOrBool("REFLECTOR_ALLOW_THROUGHPUT", true)
	allowUDPEcho := envOrBool("REFLECTOR_ALLOW_UDP_ECHO", true)
	maxPacketRate := envOrUint32("REFLECTOR_MAX_PACKET_RATE", 0)

	// The original config's private_key_path parent directory was honored
	// but its filename was always hardcoded to identity.key, silently
	// ignoring whatever filename the operator configured. That quirk is
	// not carried forward here: the configured path is honored verbatim.
	id, err := identity.LoadOrGenerate(identityPath)
	if err != nil {
		log.Error(err, "failed to load or generate identity")
		os.Exit(1)
	}
	endpointID := id.EndpointID()
	log.Info("identity ready", "endpointID", endpointID)

	certDER, keyDER, err := certbind.Generate(endpointID, id.PublicKey(), id.SigningKey())
	if err != nil {
		log.Error(err, "failed to generate self-signed certificate")
		os.Exit(1)
	}

	tlsCfg, err := tlsconfig.BuildServerConfig(certDER, keyDER)
	if err != nil {
		log.Error(err, "failed to build TLS server configuration")
		os.Exit(1)
	}

	authGate := authz.NewGate()
	for _, peer := range splitCSV(os.Getenv("REFLECTOR_AUTHORIZED_PEERS")) {
		authGate.AddPeer(peer)
	}
	if envOrBool("REFLECTOR_PAIRING_ENABLED", false) {
		code := os.Getenv("REFLECTOR_PAIRING_CODE")
		if code != "" {
			authGate.EnablePairingWithCode(pairingTTL, code)
		} else if code, err = authGate.EnablePairing(pairingTTL); err != nil {
			log.Error(err, "failed to enable pairing")
			os.Exit(1)
		}
		log.Info("pairing window active", "ttl", pairingTTL, "token", code)
	}

	auditLog, err := audit.Open(auditPath)
	if err != nil {
		log.Error(err, "failed to initialize audit log")
		os.Exit(1)
	}
	defer auditLog.Close()

	srv := reflector.New(reflector.Config{
		EndpointID:         endpointID,
		DeploymentMode:     deploymentMode,
		AllowThroughput:    allowThroughput,
		AllowUDPEcho:       allowUDPEcho,
		MaxTestDurationSec: maxTestDurationSec,
		MaxConcurrentTests: maxConcurrentTests,
		MaxTestsPerHour:    maxTestsPerHour,
		PortRangeStart:     portRangeStart,
		PortRangeEnd:       portRangeEnd,
		MaxPacketRate:      maxPacketRate,
		BuildVersion:       buildVersion,
		BuildHash:          buildHash,
	}, tlsCfg, authGate, auditLog, iperf3Path, log)

	go serveHealth(healthAddr, log)
	go serveMetrics(metricsAddr, log)

	log.Info("starting reflector", "listenAddr", listenAddr, "endpointID", endpointID)
	if err := srv.Run(listenAddr); err != nil {
		log.Error(err, "reflector server exited")
		os.Exit(1)
	}
}

func serveHealth(addr string, log logr.Logger) {
	handler := healthz.NewHandler(buildVersion, func() float64 {
		return pathmeta.Collect(buildVersion, buildHash).LoadAvg[0]
	})
	if err := healthz.Serve(addr, handler); err != nil {
		log.Error(err, "health server exited")
	}
}

func serveMetrics(addr string, log logr.Logger) {
	if err := healthz.Serve(addr, metrics.Handler()); err != nil {
		log.Error(err, "metrics server exited")
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrUint32(key string, def uint32) uint32 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return def
	}
	return uint32(n)
}

func envOrUint16(key string, def uint16) uint16 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return def
	}
	return uint16(n)
}

func envOrBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
