package biz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"MendLane/internal/model"
)

// classifierMemoSize bounds the rule-match memo. Hot error strings
// (connection refused, timeouts) repeat thousands of times per outage.
const classifierMemoSize = 2048

// classificationRule binds message keywords to a category and the static
// attribute set every error of that category carries.
type classificationRule struct {
	category         model.ErrorCategory
	keywords         []string
	severity         model.ErrorSeverity
	retryable        bool
	fallbackEligible bool
	userImpact       model.ImpactLevel
	businessImpact   model.ImpactLevel
}

// classificationRules is evaluated in declaration order, first match wins.
// Matching runs against the lowercased message, so keywords are lowercase.
var classificationRules = []classificationRule{
	{
		category: model.CategoryNetwork,
		keywords: []string{
			"econnrefused", "econnreset", "enotfound", "ehostunreach",
			"connection refused", "connection reset", "no route to host",
			"socket hang up", "dns", "network",
		},
		severity:         model.SeverityHigh,
		retryable:        true,
		fallbackEligible: true,
		userImpact:       model.ImpactMedium,
		businessImpact:   model.ImpactMedium,
	},
	{
		category: model.CategoryTimeout,
		keywords: []string{
			"etimedout", "timed out", "timeout", "deadline exceeded",
		},
		severity:         model.SeverityMedium,
		retryable:        true,
		fallbackEligible: true,
		userImpact:       model.ImpactMedium,
		businessImpact:   model.ImpactLow,
	},
	{
		category: model.CategoryRateLimit,
		keywords: []string{
			"rate limit", "too many requests", "429", "quota exceeded", "throttl",
		},
		severity:         model.SeverityMedium,
		retryable:        true,
		fallbackEligible: true,
		userImpact:       model.ImpactLow,
		businessImpact:   model.ImpactMedium,
	},
	{
		category: model.CategoryAuthentication,
		keywords: []string{
			"unauthorized", "forbidden", "401", "403", "api key",
			"authentication", "token expired", "permission denied",
		},
		severity:         model.SeverityCritical,
		retryable:        false,
		fallbackEligible: false,
		userImpact:       model.ImpactHigh,
		businessImpact:   model.ImpactHigh,
	},
	{
		category: model.CategoryValidation,
		keywords: []string{
			"validation", "invalid request", "bad request", "400",
			"malformed", "schema",
		},
		severity:         model.SeverityLow,
		retryable:        false,
		fallbackEligible: false,
		userImpact:       model.ImpactLow,
		businessImpact:   model.ImpactLow,
	},
	{
		category: model.CategoryCircuitBreaker,
		keywords: []string{
			"circuit breaker", "breaker is open", "circuit open",
		},
		severity:         model.SeverityHigh,
		retryable:        false,
		fallbackEligible: true,
		userImpact:       model.ImpactHigh,
		businessImpact:   model.ImpactHigh,
	},
	{
		category: model.CategoryFallback,
		keywords: []string{
			"fallback", "degraded mode",
		},
		severity:         model.SeverityMedium,
		retryable:        false,
		fallbackEligible: false,
		userImpact:       model.ImpactLow,
		businessImpact:   model.ImpactMedium,
	},
	{
		category: model.CategoryServiceError,
		keywords: []string{
			"internal server error", "bad gateway", "service unavailable",
			"server error", "500", "502", "503", "504",
		},
		severity:         model.SeverityHigh,
		retryable:        true,
		fallbackEligible: true,
		userImpact:       model.ImpactMedium,
		businessImpact:   model.ImpactHigh,
	},
}

// unknownRule is the terminal fallthrough when no keyword matches.
var unknownRule = classificationRule{
	category:         model.CategoryUnknown,
	severity:         model.SeverityMedium,
	retryable:        false,
	fallbackEligible: true,
	userImpact:       model.ImpactMedium,
	businessImpact:   model.ImpactMedium,
}

// Fingerprint normalization scrubs volatile tokens so repeated occurrences
// of the same failure hash identically. Hex runs (request ids, hashes) are
// collapsed before digit runs so ids mixing letters and digits stay one token.
var (
	hexRunPattern   = regexp.MustCompile(`[0-9a-f]{8,}`)
	digitRunPattern = regexp.MustCompile(`[0-9]+`)
	spaceRunPattern = regexp.MustCompile(`\s+`)
)

// ErrorClassifierUsecase categorizes reported failures, assigns log ids,
// and rolls occurrences into hourly aggregate buckets. Classification is a
// deterministic ordered rule match over lowercased message text; it has no
// retry semantics of its own.
//
// Aggregation is write-behind: occurrences accumulate in per-interval
// delta buckets and a cron job flushes them via UpsertAggregate, which
// adds each delta onto the stored rollup. Flushing deltas rather than
// absolute counts keeps the stored row correct across restarts and when
// several instances feed the same bucket.
type ErrorClassifierUsecase struct {
	repo   ErrorLogRepo
	logger *log.Helper

	memo *lru.Cache[string, classificationRule]

	mu     sync.Mutex
	deltas map[string]*model.ErrorAggregate

	now func() time.Time
}

// NewErrorClassifierUsecase creates a new error classifier use case.
func NewErrorClassifierUsecase(repo ErrorLogRepo, logger log.Logger) *ErrorClassifierUsecase {
	memo, _ := lru.New[string, classificationRule](classifierMemoSize)
	return &ErrorClassifierUsecase{
		repo:   repo,
		logger: log.NewHelper(logger),
		memo:   memo,
		deltas: make(map[string]*model.ErrorAggregate),
		now:    time.Now,
	}
}

// Classify maps a failure message plus its service/operation context to a
// ClassifiedError. The transform is pure: identical inputs always produce
// the same category, fingerprint, and aggregation key.
func (uc *ErrorClassifierUsecase) Classify(message, service, operation string) *model.ClassifiedError {
	lowered := strings.ToLower(message)

	rule, ok := uc.memo.Get(lowered)
	if !ok {
		rule = matchRule(lowered)
		uc.memo.Add(lowered, rule)
	}
	return classified(rule, message, service, operation)
}

// ClassifyAs builds a ClassifiedError with the category fixed by the
// caller, skipping keyword matching. The breaker reports its own open
// transitions this way: the transition reason quotes the downstream
// failure, whose keywords would otherwise decide the category.
func (uc *ErrorClassifierUsecase) ClassifyAs(category model.ErrorCategory, message, service, operation string) *model.ClassifiedError {
	return classified(ruleForCategory(category), message, service, operation)
}

func classified(rule classificationRule, message, service, operation string) *model.ClassifiedError {
	normalized := normalizeMessage(strings.ToLower(message))
	return &model.ClassifiedError{
		Message:          message,
		Category:         rule.category,
		Severity:         rule.severity,
		Retryable:        rule.retryable,
		FallbackEligible: rule.fallbackEligible,
		UserImpact:       rule.userImpact,
		BusinessImpact:   rule.businessImpact,
		Service:          service,
		Operation:        operation,
		Fingerprint:      errorFingerprint(normalized, rule.category, service, operation),
		AggregationKey:   fmt.Sprintf("%s:%s:%s:%s", rule.category, service, operation, rule.severity),
	}
}

// Record assigns a log id, queues the error for persistence, and folds it
// into the matching hourly bucket. It returns the assigned log id.
func (uc *ErrorClassifierUsecase) Record(ctx context.Context, ce *model.ClassifiedError) string {
	if ce.LogID == "" {
		ce.LogID = uuid.NewString()
	}
	if ce.OccurredAt.IsZero() {
		ce.OccurredAt = uc.now()
	}

	uc.repo.Record(ctx, ce)
	uc.aggregate(ce)

	uc.logger.Debugw("error recorded",
		"log_id", ce.LogID,
		"service", ce.Service,
		"operation", ce.Operation,
		"category", ce.Category,
		"severity", ce.Severity,
		"fingerprint", ce.Fingerprint)
	return ce.LogID
}

// ClassifyAndRecord is the common combined path used by the health
// evaluator, workflow engine, and orchestrator when they report failures.
func (uc *ErrorClassifierUsecase) ClassifyAndRecord(ctx context.Context, message, service, operation string) *model.ClassifiedError {
	ce := uc.Classify(message, service, operation)
	uc.Record(ctx, ce)
	return ce
}

// ClassifyAndRecordAs is ClassifyAs followed by Record.
func (uc *ErrorClassifierUsecase) ClassifyAndRecordAs(ctx context.Context, category model.ErrorCategory, message, service, operation string) *model.ClassifiedError {
	ce := uc.ClassifyAs(category, message, service, operation)
	uc.Record(ctx, ce)
	return ce
}

// aggregate folds one occurrence into its pending hourly delta bucket,
// keyed by (window start, service, category).
func (uc *ErrorClassifierUsecase) aggregate(ce *model.ClassifiedError) {
	window := ce.OccurredAt.UTC().Truncate(time.Hour)
	key := bucketKey(window, ce.Service, ce.Category)

	uc.mu.Lock()
	defer uc.mu.Unlock()

	b, ok := uc.deltas[key]
	if !ok {
		b = &model.ErrorAggregate{
			WindowStart:     window,
			Service:         ce.Service,
			Category:        ce.Category,
			HighestSeverity: ce.Severity,
			UserImpact:      make(map[model.ImpactLevel]int64),
			BusinessImpact:  make(map[model.ImpactLevel]int64),
		}
		uc.deltas[key] = b
	}

	b.Count++
	if ce.Severity.Rank() > b.HighestSeverity.Rank() {
		b.HighestSeverity = ce.Severity
	}
	b.SampleIDs = append(b.SampleIDs, ce.LogID)
	if len(b.SampleIDs) > model.MaxAggregateSamples {
		b.SampleIDs = b.SampleIDs[len(b.SampleIDs)-model.MaxAggregateSamples:]
	}
	b.UserImpact[ce.UserImpact]++
	b.BusinessImpact[ce.BusinessImpact]++
}

// FlushAggregates sends every pending delta bucket to the store, which
// adds it onto the matching rollup row. Called from cron. Each occurrence
// is flushed exactly once: a successful upsert consumes the delta, a
// failed one is merged back and retried on the next run.
func (uc *ErrorClassifierUsecase) FlushAggregates(ctx context.Context) error {
	uc.mu.Lock()
	batch := uc.deltas
	uc.deltas = make(map[string]*model.ErrorAggregate)
	uc.mu.Unlock()

	var firstErr error
	flushed := 0
	for key, delta := range batch {
		if err := uc.repo.UpsertAggregate(ctx, delta); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			uc.logger.Warnf("aggregate flush failed for %s/%s window %s: %v",
				delta.Service, delta.Category, delta.WindowStart.Format(time.RFC3339), err)

			// Put the delta back for the next run. Anything recorded since
			// the snapshot is newer, so it merges on top.
			uc.mu.Lock()
			if cur, ok := uc.deltas[key]; ok {
				delta.Merge(cur)
			}
			uc.deltas[key] = delta
			uc.mu.Unlock()
			continue
		}
		flushed++
	}

	if flushed > 0 {
		uc.logger.Infow("error aggregates flushed", "buckets", flushed)
	}
	return firstErr
}

// ErrorsSince returns persisted classified errors recorded at or after since.
func (uc *ErrorClassifierUsecase) ErrorsSince(ctx context.Context, since time.Time) ([]*model.ClassifiedError, error) {
	return uc.repo.ListErrorsSince(ctx, since)
}

// AggregatesSince returns stored hourly buckets, optionally filtered by
// service. Pending deltas are added onto the stored rows so callers see
// counts that have not been flushed yet.
func (uc *ErrorClassifierUsecase) AggregatesSince(ctx context.Context, service string, since time.Time) ([]*model.ErrorAggregate, error) {
	stored, err := uc.repo.ListAggregates(ctx, service, since)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*model.ErrorAggregate, len(stored))
	for _, agg := range stored {
		merged[bucketKey(agg.WindowStart, agg.Service, agg.Category)] = agg
	}

	uc.mu.Lock()
	for key, b := range uc.deltas {
		if b.WindowStart.Before(since) {
			continue
		}
		if service != "" && b.Service != service {
			continue
		}
		if base, ok := merged[key]; ok {
			base.Merge(b)
		} else {
			merged[key] = copyAggregate(b)
		}
	}
	uc.mu.Unlock()

	out := make([]*model.ErrorAggregate, 0, len(merged))
	for _, agg := range merged {
		out = append(out, agg)
	}
	sortAggregates(out)
	return out, nil
}

func bucketKey(window time.Time, service string, category model.ErrorCategory) string {
	return fmt.Sprintf("%d|%s|%s", window.Unix(), service, category)
}

func matchRule(lowered string) classificationRule {
	for _, rule := range classificationRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lowered, kw) {
				return rule
			}
		}
	}
	return unknownRule
}

// ruleForCategory returns the static attribute set for a known category,
// falling back to unknownRule for categories no rule declares.
func ruleForCategory(category model.ErrorCategory) classificationRule {
	for _, rule := range classificationRules {
		if rule.category == category {
			return rule
		}
	}
	return unknownRule
}

func normalizeMessage(lowered string) string {
	m := strings.TrimSpace(lowered)
	m = hexRunPattern.ReplaceAllString(m, "*")
	m = digitRunPattern.ReplaceAllString(m, "#")
	return spaceRunPattern.ReplaceAllString(m, " ")
}

func errorFingerprint(normalized string, category model.ErrorCategory, service, operation string) string {
	sum := sha256.Sum256([]byte(normalized + "|" + string(category) + "|" + service + "|" + operation))
	return hex.EncodeToString(sum[:])[:16]
}

func copyAggregate(b *model.ErrorAggregate) *model.ErrorAggregate {
	out := &model.ErrorAggregate{
		WindowStart:     b.WindowStart,
		Service:         b.Service,
		Category:        b.Category,
		Count:           b.Count,
		HighestSeverity: b.HighestSeverity,
		SampleIDs:       append([]string(nil), b.SampleIDs...),
		UserImpact:      make(map[model.ImpactLevel]int64, len(b.UserImpact)),
		BusinessImpact:  make(map[model.ImpactLevel]int64, len(b.BusinessImpact)),
	}
	for k, v := range b.UserImpact {
		out.UserImpact[k] = v
	}
	for k, v := range b.BusinessImpact {
		out.BusinessImpact[k] = v
	}
	return out
}

func sortAggregates(aggs []*model.ErrorAggregate) {
	sort.Slice(aggs, func(i, j int) bool {
		if !aggs[i].WindowStart.Equal(aggs[j].WindowStart) {
			return aggs[i].WindowStart.Before(aggs[j].WindowStart)
		}
		if aggs[i].Service != aggs[j].Service {
			return aggs[i].Service < aggs[j].Service
		}
		return aggs[i].Category < aggs[j].Category
	})
}
