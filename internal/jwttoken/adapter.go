package jwttoken

import (
	"sapdash/internal/platform/middleware"
)

// ServiceAdapter satisfies middleware.TokenValidator without the middleware
// package importing token internals.
type ServiceAdapter struct {
	service *Service
}

func NewServiceAdapter(service *Service) *ServiceAdapter {
	return &ServiceAdapter{service: service}
}

func (a *ServiceAdapter) ValidateToken(tokenString string) (*middleware.Claims, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &middleware.Claims{
		PrincipalID:    claims.PrincipalID,
		Role:           claims.Role,
		HomeDistrictID: claims.HomeDistrictID,
	}, nil
}
