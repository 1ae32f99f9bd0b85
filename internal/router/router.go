package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/relay/internal/analytics"
	"github.com/nulzo/relay/internal/config"
	"github.com/nulzo/relay/internal/core/domain"
	"github.com/nulzo/relay/internal/llm"
	"github.com/nulzo/relay/internal/metering"
	"github.com/nulzo/relay/internal/platform/logger"
	"github.com/nulzo/relay/internal/retry"
	"github.com/nulzo/relay/internal/routing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// NativeRunner executes completions on the local host session for
// agents bound to the native runtime. Attached by the embedding process;
// the router itself never provides one.
type NativeRunner interface {
	Run(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResult, error)
}

// Deps carries constructed dependencies into the router. Zero fields are
// built from config; tests inject fakes.
type Deps struct {
	Providers    map[string]llm.Provider
	BreakerStore routing.StateStore
	Gate         metering.Gate
	Ledger       *metering.Ledger
	Spend        *metering.SpendTracker
	Ingestor     analytics.Ingestor
	Native       NativeRunner
}

// Router is the invocation entry point. Every instance is self-contained
// so independent routers with different configs can coexist in one
// process.
type Router struct {
	cfg        *config.Config
	providers  map[string]llm.Provider
	resolver   *routing.Resolver
	breaker    *routing.Breaker
	gate       metering.Gate
	ledger     *metering.Ledger
	spend      *metering.SpendTracker
	limiters   *metering.Limiters
	remainders *metering.RemainderAccumulator
	ingestor   analytics.Ingestor
	native     NativeRunner
	policy     retry.Policy
}

// New builds a router from loaded config, filling any dependency the
// caller did not supply.
func New(cfg *config.Config, deps Deps) (*Router, error) {
	providers := deps.Providers
	if providers == nil {
		built, err := llm.BuildAll(cfg.Providers)
		if err != nil {
			return nil, err
		}
		providers = built
	}

	store := deps.BreakerStore
	if store == nil {
		fileStore, err := routing.NewFileStore(cfg.RunPath())
		if err != nil {
			return nil, err
		}
		store = fileStore
	}

	ledger := deps.Ledger
	if ledger == nil {
		l, err := metering.NewLedger(cfg.LedgerFile())
		if err != nil {
			return nil, err
		}
		ledger = l
	}

	spend := deps.Spend
	gate := deps.Gate
	if gate == nil {
		if cfg.Metering.Enabled {
			if spend == nil {
				s, err := metering.NewSpendTracker(cfg.LedgerFile())
				if err != nil {
					return nil, err
				}
				spend = s
			}
			gate = metering.NewBudgetGate(cfg.Metering.Budget, spend)
		} else {
			gate = metering.NoopGate{}
		}
	}

	ingestor := deps.Ingestor
	if ingestor == nil {
		ingestor = analytics.NoopIngestor{}
	}

	return &Router{
		cfg:        cfg,
		providers:  providers,
		resolver:   routing.NewResolver(cfg),
		breaker:    routing.NewBreaker(store, cfg.Routing.CircuitBreaker),
		gate:       gate,
		ledger:     ledger,
		spend:      spend,
		limiters:   metering.NewLimiters(cfg.Providers),
		remainders: &metering.RemainderAccumulator{},
		ingestor:   ingestor,
		native:     deps.Native,
		policy:     retry.PolicyFrom(cfg.Retry),
	}, nil
}

// InvokeParams describes one completion request from a caller's
// perspective: which agent, what input, and run bookkeeping.
type InvokeParams struct {
	Agent  string
	System string
	Input  string

	// Messages overrides System/Input when a full conversation is passed.
	Messages []domain.Message

	MaxTokens   int
	Temperature *float64
	Tools       []domain.Tool
	ToolChoice  string

	TraceID  string
	PhaseID  string
	SprintID string
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Invoke routes one completion: resolves the agent, walks the candidate
// chain under the circuit breaker, budget gate, and retry budget, and
// writes one ledger entry per completed attempt.
func (r *Router) Invoke(ctx context.Context, params InvokeParams) (*domain.CompletionResult, error) {
	traceID := params.TraceID
	if traceID == "" {
		traceID = "tr-" + shortID()
	}

	tracer := otel.Tracer("relay/router")
	ctx, span := tracer.Start(ctx, "router.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("relay.agent", params.Agent),
		attribute.String("relay.trace_id", traceID),
	)

	result, err := r.invoke(ctx, params, traceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.CodeOf(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("relay.provider", result.Provider),
		attribute.String("relay.model", result.Model),
		attribute.Int("relay.tokens_out", result.Usage.OutputTokens),
	)
	return result, nil
}

func (r *Router) invoke(ctx context.Context, params InvokeParams, traceID string) (*domain.CompletionResult, error) {
	binding, err := r.resolver.Binding(params.Agent)
	if err != nil {
		return nil, err
	}

	ref, primary, err := r.resolver.Primary(binding)
	if err != nil {
		return nil, err
	}

	req := r.buildRequest(params, binding, traceID)

	if primary.Provider == config.NativeProvider {
		return r.invokeNative(ctx, req, params, traceID)
	}

	log := logger.With(
		zap.String("trace_id", traceID),
		zap.String("agent", params.Agent))

	budget := retry.NewBudget(r.policy)
	visited := map[string]bool{primary.Key(): true}
	candidates := []domain.ResolvedModel{primary}
	downgraded := false
	chainPos := 0

	attemptsBefore := 0
	for idx := 0; idx < len(candidates); idx++ {
		candidate := candidates[idx]
		if !budget.AttemptAllowed() {
			break
		}
		if idx > 0 {
			// Advancing past a provider that was only skipped costs no
			// switch; abandoning one we actually called does.
			if budget.TotalAttempts() > attemptsBefore && !budget.SwitchProvider() {
				break
			}
			chainPos++
			log.Info("switching provider",
				zap.String("candidate", candidate.Key()),
				zap.Int("chain_pos", chainPos))
		}
		attemptsBefore = budget.TotalAttempts()

		result, next, err := r.tryCandidate(ctx, req, params, binding, budget, candidate, ref, &downgraded, visited, traceID, chainPos, log)
		if err != nil {
			r.annotate(err, params.Agent, candidate.Provider, chainPos)
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		candidates = append(candidates, next...)
	}

	err = budget.Exhausted()
	r.annotate(err, params.Agent, "", chainPos)
	return nil, err
}

// tryCandidate drives all attempts against one candidate. It returns a
// result on success, a terminal error, or (nil, chain, nil) when the
// caller should advance to the appended alternates.
func (r *Router) tryCandidate(
	ctx context.Context,
	req *domain.CompletionRequest,
	params InvokeParams,
	binding domain.AgentBinding,
	budget *retry.Budget,
	candidate domain.ResolvedModel,
	ref string,
	downgraded *bool,
	visited map[string]bool,
	traceID string,
	chainPos int,
	log *zap.Logger,
) (*domain.CompletionResult, []domain.ResolvedModel, error) {
	provider, ok := r.providers[candidate.Provider]
	if !ok {
		// Validated at load; only reachable if a provider failed to build.
		return nil, r.resolver.FallbackChain(candidate, binding, visited), nil
	}

	pricing := r.pricingFor(candidate)
	estimate := metering.EstimateCost(req, pricing)
	attemptReq := *req
	attemptReq.Model = candidate.ModelID

	// The breaker and the budget gate are consulted before every attempt,
	// not once per candidate: a circuit opened by a concurrent invocation
	// mid-retry stops further attempts here, and the gate can block or
	// downgrade between attempt 1 and attempt N.
	for {
		// A circuit-open skip sends no request, so it consumes no attempt.
		allowed, _ := r.breaker.Allow(ctx, candidate.Provider)
		if !allowed {
			log.Info("skipping provider, circuit open",
				zap.String("provider", candidate.Provider))
			budget.RecordSkip(domain.ProviderUnavailableError(candidate.Provider, "circuit open", nil))
			return nil, r.resolver.FallbackChain(candidate, binding, visited), nil
		}

		decision, spent, limit := r.gate.PreCall(candidate.Provider, estimate)
		switch decision {
		case metering.DecisionBlock:
			return nil, nil, domain.BudgetExceededError(candidate.Provider, spent, estimate, limit)
		case metering.DecisionDowngrade:
			if !*downgraded {
				*downgraded = true
				chain := r.resolver.DowngradeChain(ref, binding, visited)
				if len(chain) > 0 {
					log.Warn("budget exceeded, downgrading",
						zap.String("from", candidate.Key()),
						zap.String("to", chain[0].Key()))
					return nil, chain, nil
				}
				// No downgrade chain; degrade to a warning and proceed.
				log.Warn("budget exceeded but no downgrade chain, proceeding",
					zap.String("candidate", candidate.Key()))
			}
		}

		if err := r.limiters.Wait(ctx, candidate.Provider); err != nil {
			return nil, nil, err
		}

		start := time.Now()
		result, err := provider.Complete(ctx, &attemptReq)
		if ctx.Err() != nil {
			// Cancelled mid-flight; no usage to account.
			return nil, nil, ctx.Err()
		}
		budget.RecordAttempt(err)

		if err == nil {
			r.breaker.RecordSuccess(ctx, candidate.Provider)
			r.settle(params, traceID, candidate, result, budget.TotalAttempts(), pricing)
			return result, nil, nil
		}

		r.recordFailure(params, traceID, candidate, err, budget.TotalAttempts(), time.Since(start))
		switch domain.CodeOf(err) {
		case domain.CodeProviderUnavailable, domain.CodeRateLimited:
			// Sustained rate limiting opens the circuit the same way an
			// outage does.
			r.breaker.RecordFailure(ctx, candidate.Provider)
		}

		if !domain.IsRetryable(err) {
			return nil, nil, err
		}
		if !budget.RetrySameProvider(err) {
			return nil, r.resolver.FallbackChain(candidate, binding, visited), nil
		}

		delay := budget.Backoff()
		log.Info("retrying provider",
			zap.String("provider", candidate.Provider),
			zap.Duration("delay", delay),
			zap.Int("attempt", budget.TotalAttempts()))
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil, nil, err
		}
	}
}

// settle prices a successful result, writes the ledger entry, reconciles
// the budget counter, and mirrors to analytics. The entry logs the exact
// floor cost so it can be re-derived from its token counts; sub-micro
// remainders carry into the spend counter only.
func (r *Router) settle(params InvokeParams, traceID string, candidate domain.ResolvedModel, result *domain.CompletionResult, attempt int, pricing domain.ModelPricing) {
	cost, remainder, source := metering.Cost(result.Usage, pricing)

	entry := metering.Entry{
		TS:              time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:         traceID,
		RequestID:       "req-" + shortID(),
		Agent:           params.Agent,
		Provider:        candidate.Provider,
		Model:           result.Model,
		TokensIn:        result.Usage.InputTokens,
		TokensOut:       result.Usage.OutputTokens,
		TokensReasoning: result.Usage.ReasoningTokens,
		LatencyMS:       result.LatencyMS,
		CostMicroUSD:    cost,
		UsageSource:     result.Usage.Source,
		PricingSource:   source,
		PhaseID:         params.PhaseID,
		SprintID:        params.SprintID,
		Attempt:         attempt,
		Outcome:         "success",
	}
	r.append(entry)
	r.gate.PostCall(candidate.Provider, cost+r.remainders.Add(candidate.Provider, remainder))
}

// recordFailure writes the ledger entry for a failed attempt. Failed
// attempts carry no usage but keep the audit trail complete.
func (r *Router) recordFailure(params InvokeParams, traceID string, candidate domain.ResolvedModel, attemptErr error, attempt int, elapsed time.Duration) {
	entry := metering.Entry{
		TS:            time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:       traceID,
		RequestID:     "req-" + shortID(),
		Agent:         params.Agent,
		Provider:      candidate.Provider,
		Model:         candidate.ModelID,
		LatencyMS:     elapsed.Milliseconds(),
		UsageSource:   domain.UsageEstimated,
		PricingSource: metering.PricingUnknown,
		PhaseID:       params.PhaseID,
		SprintID:      params.SprintID,
		Attempt:       attempt,
		Outcome:       "error",
		Error:         domain.CodeOf(attemptErr),
	}
	r.append(entry)
}

func (r *Router) append(entry metering.Entry) {
	if err := r.ledger.Append(entry); err != nil {
		logger.Error("ledger append failed",
			zap.String("request_id", entry.RequestID), zap.Error(err))
	}
	r.ingestor.Log(&entry)
}

func (r *Router) invokeNative(ctx context.Context, req *domain.CompletionRequest, params InvokeParams, traceID string) (*domain.CompletionResult, error) {
	if r.native == nil {
		return nil, domain.ProviderUnavailableError(config.NativeProvider, "no native runtime attached", nil)
	}
	result, err := r.native.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	r.settle(params, traceID, config.NativeModelRef, result, 1, domain.ModelPricing{})
	return result, nil
}

func (r *Router) buildRequest(params InvokeParams, binding domain.AgentBinding, traceID string) *domain.CompletionRequest {
	messages := params.Messages
	if messages == nil {
		if params.System != "" {
			messages = append(messages, domain.Message{Role: "system", Content: params.System})
		}
		messages = append(messages, domain.Message{Role: "user", Content: params.Input})
	}

	temperature := 0.7
	if binding.Temperature != nil {
		temperature = *binding.Temperature
	}
	if params.Temperature != nil {
		temperature = *params.Temperature
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &domain.CompletionRequest{
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Tools:       params.Tools,
		ToolChoice:  params.ToolChoice,
		Metadata: &domain.RequestMetadata{
			Agent:           params.Agent,
			TraceID:         traceID,
			PhaseID:         params.PhaseID,
			SprintID:        params.SprintID,
			RequireThinking: binding.Requires["thinking"],
		},
	}
}

func (r *Router) pricingFor(candidate domain.ResolvedModel) domain.ModelPricing {
	provider, ok := r.cfg.Providers[candidate.Provider]
	if !ok {
		return domain.ModelPricing{}
	}
	return provider.ModelFor(candidate.ModelID).Pricing
}

// annotate fills routing context into domain errors for operator-facing
// messages.
func (r *Router) annotate(err error, agent, provider string, chainPos int) {
	var de *domain.Error
	if !errors.As(err, &de) {
		return
	}
	if de.Agent == "" {
		de.Agent = agent
	}
	if de.Provider == "" {
		de.Provider = provider
	}
	de.ChainPos = chainPos
}
