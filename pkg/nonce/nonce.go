// Package nonce provides single-use opaque values. The provider uses them
// as authorization codes, which makes code replay a redemption failure
// rather than a bookkeeping exercise.
package nonce

import (
	"fmt"

	"github.com/hashicorp/go-secure-stdlib/nonceutil"
)

type Service interface {
	Get() (string, error)
	Redeem(value string) error
}

type hashicorpService struct {
	nonceService nonceutil.NonceService
}

func NewService() (Service, error) {
	nonceService := nonceutil.NewNonceService()
	err := nonceService.Initialize()
	if err != nil {
		return nil, fmt.Errorf("could not initialize nonce service: %w", err)
	}
	return &hashicorpService{nonceService}, nil
}

func (s *hashicorpService) Get() (string, error) {
	value, _, err := s.nonceService.Get()
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *hashicorpService) Redeem(value string) error {
	ok := s.nonceService.Redeem(value)
	if !ok {
		return fmt.Errorf("nonce %s not found", value)
	}
	return nil
}
