// Package sampleapi provides typed views over the sample investments API.
// Every view is read through the fetch orchestrator, so views that load at
// the same time share one request per cache key.
package sampleapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chinmina/chinmina-client/internal/api"
	"github.com/chinmina/chinmina-client/internal/clienterror"
	"github.com/chinmina/chinmina-client/internal/fetch"
	"github.com/chinmina/chinmina-client/internal/oidc"
)

const (
	KeyCompanies     = "companies"
	KeyOAuthUserInfo = "oauthUserInfo"
	KeyAPIUserInfo   = "apiUserInfo"
)

// TransactionsKey is the cache key of the transactions of one company.
func TransactionsKey(companyID int) string {
	return fmt.Sprintf("transactions:%d", companyID)
}

type Company struct {
	ID                 int     `json:"id"`
	Name               string  `json:"name"`
	Region             string  `json:"region"`
	TargetDate         int64   `json:"targetDate"`
	InvestmentRequired float64 `json:"investmentRequired"`
	NoInvestors        int     `json:"noInvestors"`
}

type Transaction struct {
	ID         int     `json:"id"`
	InvestorID string  `json:"investorId"`
	CompanyID  int     `json:"companyId"`
	AmountUSD  float64 `json:"amountUsd"`
}

type CompanyTransactions struct {
	Company      Company       `json:"company"`
	Transactions []Transaction `json:"transactions"`
}

// OAuthUserInfo holds the claims returned by the provider's userinfo endpoint.
type OAuthUserInfo struct {
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email,omitempty"`
}

// APIUserInfo holds the user details the API derives from its claims.
type APIUserInfo struct {
	Title   string   `json:"title"`
	Regions []string `json:"regions"`
}

type Fetcher interface {
	Fetch(ctx context.Context, key string, req api.Request, opts fetch.Options) ([]byte, error)
}

type MetadataSource interface {
	Get(ctx context.Context) (oidc.ProviderMetadata, error)
}

type Views struct {
	fetcher  Fetcher
	metadata MetadataSource
}

func New(fetcher Fetcher, metadata MetadataSource) *Views {
	return &Views{
		fetcher:  fetcher,
		metadata: metadata,
	}
}

func (v *Views) Companies(ctx context.Context, opts fetch.Options) ([]Company, error) {
	req := api.Request{Path: "companies", Area: "companies"}
	return get[[]Company](ctx, v.fetcher, KeyCompanies, req, opts)
}

func (v *Views) Transactions(ctx context.Context, companyID int, opts fetch.Options) (CompanyTransactions, error) {
	req := api.Request{
		Path: fmt.Sprintf("companies/%d/transactions", companyID),
		Area: "transactions",
	}
	return get[CompanyTransactions](ctx, v.fetcher, TransactionsKey(companyID), req, opts)
}

// OAuthUserInfo reads the user's name from the provider, using the userinfo
// endpoint advertised in the provider metadata.
func (v *Views) OAuthUserInfo(ctx context.Context, opts fetch.Options) (OAuthUserInfo, error) {
	metadata, err := v.metadata.Get(ctx)
	if err != nil {
		return OAuthUserInfo{}, err
	}
	if metadata.UserInfoEndpoint == "" {
		return OAuthUserInfo{}, clienterror.GeneralError{
			Area:    "user_info",
			Code:    "userinfo_unavailable",
			Message: "the provider does not advertise a userinfo endpoint",
		}
	}

	req := api.Request{Path: metadata.UserInfoEndpoint, Area: "user_info"}
	return get[OAuthUserInfo](ctx, v.fetcher, KeyOAuthUserInfo, req, opts)
}

func (v *Views) APIUserInfo(ctx context.Context, opts fetch.Options) (APIUserInfo, error) {
	req := api.Request{Path: "userinfo", Area: "user_info"}
	return get[APIUserInfo](ctx, v.fetcher, KeyAPIUserInfo, req, opts)
}

func get[T any](ctx context.Context, fetcher Fetcher, key string, req api.Request, opts fetch.Options) (T, error) {
	var result T

	data, err := fetcher.Fetch(ctx, key, req, opts)
	if err != nil {
		return result, err
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return result, clienterror.GeneralError{
			Area:    req.Area,
			Code:    "invalid_response",
			Message: "the response could not be read",
			Cause:   err,
		}
	}

	return result, nil
}
