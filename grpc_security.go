package main

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	configpkg "testmakon/realtime/internal/config"
	"testmakon/realtime/internal/logging"
)

const sharedSecretMetadataKey = "x-realtime-shared-secret"

// configureGRPCSecurity picks client-certificate authentication when a full mTLS triple is
// configured and falls back to a shared secret carried in call metadata otherwise.
func configureGRPCSecurity(cfg *configpkg.Config, logger *logging.Logger) ([]grpc.ServerOption, error) {
	if cfg == nil {
		return nil, fmt.Errorf("grpc config required")
	}
	if logger == nil {
		logger = logging.L()
	}
	var opts []grpc.ServerOption

	switch {
	case cfg.GRPCMutualTLS():
		creds, err := loadMTLSCredentials(cfg.GRPCCertPath, cfg.GRPCKeyPath, cfg.GRPCClientCAPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
		logger.Info("gRPC mTLS enabled")
	case strings.TrimSpace(cfg.GRPCSharedSecret) != "":
		opts = append(opts, grpc.ChainUnaryInterceptor(newSharedSecretUnaryInterceptor(cfg.GRPCSharedSecret)))
		logger.Info("gRPC shared-secret authentication enabled")
	default:
		return nil, fmt.Errorf("grpc control plane requires a shared secret or mTLS material")
	}

	return opts, nil
}

func newSharedSecretUnaryInterceptor(secret string) grpc.UnaryServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if normalized == "" {
			return nil, status.Error(codes.Unauthenticated, "shared secret not configured")
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		candidate := extractSharedSecret(md)
		if candidate == "" {
			return nil, status.Error(codes.Unauthenticated, "missing shared secret")
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(normalized)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid shared secret")
		}
		return handler(ctx, req)
	}
}

func extractSharedSecret(md metadata.MD) string {
	if md == nil {
		return ""
	}
	for _, value := range md.Get(sharedSecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}

func loadMTLSCredentials(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	caBytes, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("failed to parse client ca bundle")
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}
	return credentials.NewTLS(tlsConfig), nil
}
