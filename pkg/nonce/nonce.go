// Package nonce issues one-time values. The QR login callback embeds a nonce
// in its signed parameters so a confirmed session's callback URL cannot be
// replayed inside the signature time window.
package nonce

import (
	"fmt"

	"github.com/hashicorp/go-secure-stdlib/nonceutil"
)

type Service interface {
	Get() (string, error)
	Redeem(nonceStr string) error
}

type HashicorpNonceService struct {
	nonceService nonceutil.NonceService
}

func NewHashicorpNonceService() (*HashicorpNonceService, error) {
	nonceService := nonceutil.NewNonceService()
	if err := nonceService.Initialize(); err != nil {
		return nil, fmt.Errorf("could not initialize nonce service: %w", err)
	}
	return &HashicorpNonceService{nonceService}, nil
}

func (s *HashicorpNonceService) Get() (string, error) {
	nonceStr, _, err := s.nonceService.Get()
	if err != nil {
		return "", err
	}
	return nonceStr, nil
}

func (s *HashicorpNonceService) Redeem(nonceStr string) error {
	if ok := s.nonceService.Redeem(nonceStr); !ok {
		return fmt.Errorf("nonce %s not found", nonceStr)
	}
	return nil
}
