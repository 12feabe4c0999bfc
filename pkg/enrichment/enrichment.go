package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/coord"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/metrics"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/refdata"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/types"
)

const (
	securityCachePrefix = "refdata:security:"
	accountCachePrefix  = "refdata:account:"
)

// Result carries the enrichment outcome and whatever reference data
// resolved
type Result struct {
	Status   types.EnrichmentStatus
	Security *refdata.Security
	Account  *refdata.Account
	Sources  []string
}

// Service enriches trades with reference data. The security and account
// lookups run concurrently; each consults the coordination-store cache
// before its client and populates the cache on a successful miss.
type Service struct {
	client   coord.Client
	security refdata.SecurityMaster
	account  refdata.AccountMaster
	cacheCfg config.CacheConfig
}

// NewService creates the enrichment service
func NewService(client coord.Client, sec refdata.SecurityMaster, acc refdata.AccountMaster, cacheCfg config.CacheConfig) *Service {
	return &Service{client: client, security: sec, account: acc, cacheCfg: cacheCfg}
}

// Enrich resolves security and account reference data for msg.
// Both present yields COMPLETE, one missing PARTIAL, both missing FAILED.
func (s *Service) Enrich(ctx context.Context, msg *types.TradeCaptureMessage) (*Result, error) {
	var (
		wg       sync.WaitGroup
		security *refdata.Security
		account  *refdata.Account
		secSrc   string
		accSrc   string
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		security, secSrc = s.lookupSecurity(ctx, msg.SecurityID)
	}()
	go func() {
		defer wg.Done()
		account, accSrc = s.lookupAccount(ctx, msg.AccountID, msg.BookID)
	}()
	wg.Wait()

	res := &Result{Security: security, Account: account}
	if secSrc != "" {
		res.Sources = append(res.Sources, secSrc)
	}
	if accSrc != "" {
		res.Sources = append(res.Sources, accSrc)
	}

	switch {
	case security != nil && account != nil:
		res.Status = types.EnrichmentComplete
	case security == nil && account == nil:
		res.Status = types.EnrichmentFailed
	default:
		res.Status = types.EnrichmentPartial
	}
	return res, nil
}

func (s *Service) lookupSecurity(ctx context.Context, securityID string) (*refdata.Security, string) {
	key := securityCachePrefix + securityID
	if raw, err := s.client.Get(ctx, key); err == nil {
		var sec refdata.Security
		if json.Unmarshal([]byte(raw), &sec) == nil {
			metrics.CacheHits.WithLabelValues("security", "hit").Inc()
			return &sec, "security-master:cache"
		}
	} else if !errors.Is(err, coord.ErrNotFound) {
		log.WithComponent("enrichment").Debug().Err(err).Msg("security cache read failed")
	}
	metrics.CacheHits.WithLabelValues("security", "miss").Inc()

	sec, found, err := s.security.GetSecurity(ctx, securityID)
	if err != nil {
		log.WithComponent("enrichment").Warn().Err(err).
			Str("security_id", securityID).
			Msg("security lookup failed")
		return nil, ""
	}
	if !found {
		return nil, ""
	}

	if raw, err := json.Marshal(sec); err == nil {
		if err := s.client.Set(ctx, key, string(raw), s.cacheCfg.SecurityTTL); err != nil {
			log.WithComponent("enrichment").Debug().Err(err).Msg("security cache write failed")
		}
	}
	return sec, "security-master"
}

func (s *Service) lookupAccount(ctx context.Context, accountID, bookID string) (*refdata.Account, string) {
	key := accountCachePrefix + accountID + ":" + bookID
	if raw, err := s.client.Get(ctx, key); err == nil {
		var acc refdata.Account
		if json.Unmarshal([]byte(raw), &acc) == nil {
			metrics.CacheHits.WithLabelValues("account", "hit").Inc()
			return &acc, "account-master:cache"
		}
	} else if !errors.Is(err, coord.ErrNotFound) {
		log.WithComponent("enrichment").Debug().Err(err).Msg("account cache read failed")
	}
	metrics.CacheHits.WithLabelValues("account", "miss").Inc()

	acc, found, err := s.account.GetAccount(ctx, accountID, bookID)
	if err != nil {
		log.WithComponent("enrichment").Warn().Err(err).
			Str("account_id", accountID).
			Str("book_id", bookID).
			Msg("account lookup failed")
		return nil, ""
	}
	if !found {
		return nil, ""
	}

	if raw, err := json.Marshal(acc); err == nil {
		if err := s.client.Set(ctx, key, string(raw), s.cacheCfg.AccountTTL); err != nil {
			log.WithComponent("enrichment").Debug().Err(err).Msg("account cache write failed")
		}
	}
	return acc, "account-master"
}
