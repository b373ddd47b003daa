package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"repairhub/internal/util"
	"repairhub/pkg/ai"
	"repairhub/pkg/domain"
)

const (
	FallbackReplyText = "The shop is a bit crowded right now. Standard delivery starts at ₹15, tell me what's wrong?"
	EmptyReplyText    = "Bhaiya, let me check the details for you..."
	ImageOnlyPrompt   = "Examine this item for repair"
)

// LaborRange is the labor bracket for one product category, in rupees.
type LaborRange struct {
	Category string `yaml:"category"`
	Min      int    `yaml:"min"`
	Max      int    `yaml:"max"`
}

// DeliveryTier charges Fee for distances up to UpToKm.
type DeliveryTier struct {
	UpToKm float64 `yaml:"upToKm"`
	Fee    int     `yaml:"fee"`
}

// PricingPolicy is the cost algorithm the expert must follow when quoting.
type PricingPolicy struct {
	Labor    []LaborRange   `yaml:"labor"`
	Delivery []DeliveryTier `yaml:"delivery"`
	// PerKmBeyond is added for every km past the last tier.
	PerKmBeyond int `yaml:"perKmBeyond"`
}

func DefaultPricingPolicy() PricingPolicy {
	return PricingPolicy{
		Labor: []LaborRange{
			{Category: "Mobiles/Smartphones", Min: 500, Max: 3000},
			{Category: "AC, Fridge & Heavy Appliances", Min: 2000, Max: 8000},
			{Category: "Laptops & Computing", Min: 1500, Max: 10000},
			{Category: "Clothing & Alterations", Min: 100, Max: 800},
			{Category: "Footwear/Shoes", Min: 150, Max: 1200},
			{Category: "Automotive (Bikes/Cars)", Min: 500, Max: 5000},
			{Category: "Watches", Min: 100, Max: 1500},
		},
		Delivery: []DeliveryTier{
			{UpToKm: 4, Fee: 15},
			{UpToKm: 6, Fee: 30},
			{UpToKm: 10, Fee: 60},
		},
		PerKmBeyond: 10,
	}
}

// DeliveryFee applies the tiers to a distance.
func (p PricingPolicy) DeliveryFee(km float64) int {
	if km < 0 {
		km = 0
	}
	for _, tier := range p.Delivery {
		if km <= tier.UpToKm {
			return tier.Fee
		}
	}
	if len(p.Delivery) == 0 {
		return 0
	}
	last := p.Delivery[len(p.Delivery)-1]
	extra := int(math.Ceil(km - last.UpToKm))
	return last.Fee + extra*p.PerKmBeyond
}

func (p PricingPolicy) prompt() string {
	var b strings.Builder
	b.WriteString("COST ESTIMATION ALGORITHM (Strictly follow these brackets in ₹):\n1. REPAIR LABOR RANGES:\n")
	for _, r := range p.Labor {
		fmt.Fprintf(&b, "   - %s: ₹%d - ₹%d\n", r.Category, r.Min, r.Max)
	}
	b.WriteString("2. DELIVERY & CONVENIENCE CHARGES (Mandatory):\n")
	lower := 0.0
	for i, t := range p.Delivery {
		label := ""
		if i == 0 {
			label = " (Minimum Delivery)"
		}
		fmt.Fprintf(&b, "   - %g-%g km: ₹%d%s\n", lower, t.UpToKm, t.Fee, label)
		lower = t.UpToKm
	}
	if len(p.Delivery) > 0 && p.PerKmBeyond > 0 {
		fmt.Fprintf(&b, "   - Above %g km: ₹%d per additional km.\n", lower, p.PerKmBeyond)
	}
	b.WriteString("3. SEVERITY ADJUSTMENT:\n   - MINOR: Low end of labor range.\n   - MODERATE: Middle of labor range.\n   - MAJOR: High end of labor range.\n")
	return b.String()
}

const personaPrompt = `SHOPKEEPER PERSONA:
You are %q, the friendly but expert Master Fixer at the local repair hub.
- Tone: helpful, polite and technical, with a warm local shopkeeper manner.
- Goal: diagnose the product defect through conversation.
- Rules:
  1. If the description is vague, do not give a final price. Ask 2-3 specific diagnostic questions first.
  2. If an image is provided, analyze the visible damage and ask about internal components.
  3. Once you have enough information, provide a quote and name the severity (Minor, Moderate or Major).
  4. MANDATORY: a quote must end with a line exactly like this:
     BILL_BREAKDOWN: Labor: ₹[Amount], Delivery: ₹[Amount], Distance: [KM]km, Total: ₹[Sum]
  5. Always close with a reassuring line like "Don't worry, we'll make it like new!"
`

func contextPrompt(svcCtx domain.ServiceContext) string {
	if svcCtx == domain.ContextOnsite {
		return "CONTEXT: ONSITE VISIT\n- Ask questions that help the technician bring the right spare parts.\n"
	}
	return "CONTEXT: EXPRESS PICKUP\n- Remind them that a runner is nearby.\n- Ask questions that help the runner know how carefully to handle the item.\n"
}

type OracleConfig struct {
	Timeout      time.Duration
	Temperature  float32
	Grounding    bool
	HistoryLimit int
	Persona      string
	Pricing      PricingPolicy
}

// ConverseInput is one turn sent to the expert.
type ConverseInput struct {
	ExpertName  string
	ServiceName string
	Context     domain.ServiceContext
	Prompt      string
	Image       []byte
	History     []domain.ChatMessage
}

// Reply is a normalized expert answer. Fallback marks a canned reply.
type Reply struct {
	Text     string
	Sources  []domain.Source
	Fallback bool
}

// Oracle answers a user turn. It never fails: errors become a fallback reply.
type Oracle interface {
	Converse(ctx context.Context, in ConverseInput) Reply
}

// ExpertAdapter frames a generator with the persona, pricing policy and
// service context.
type ExpertAdapter struct {
	gen          ai.Generator
	timeout      time.Duration
	temperature  float32
	grounding    bool
	historyLimit int
	persona      string
	pricing      PricingPolicy
}

func NewExpertAdapter(gen ai.Generator, cfg OracleConfig) *ExpertAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.8
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit < 0 {
		historyLimit = 0
	}
	persona := strings.TrimSpace(cfg.Persona)
	if persona == "" {
		persona = "Chacha"
	}
	pricing := cfg.Pricing
	if len(pricing.Labor) == 0 && len(pricing.Delivery) == 0 {
		pricing = DefaultPricingPolicy()
	}
	return &ExpertAdapter{
		gen:          gen,
		timeout:      timeout,
		temperature:  temperature,
		grounding:    cfg.Grounding,
		historyLimit: historyLimit,
		persona:      persona,
		pricing:      pricing,
	}
}

// SystemPrompt renders the full instruction for a context.
func (a *ExpertAdapter) SystemPrompt(in ConverseInput) string {
	var b strings.Builder
	b.WriteString(a.pricing.prompt())
	b.WriteString("\n")
	fmt.Fprintf(&b, personaPrompt, a.persona)
	if name := strings.TrimSpace(in.ExpertName); name != "" {
		fmt.Fprintf(&b, "You are answering on behalf of %s.\n", name)
	}
	if svc := strings.TrimSpace(in.ServiceName); svc != "" {
		fmt.Fprintf(&b, "The customer asked about: %s.\n", svc)
	}
	b.WriteString("\n")
	b.WriteString(contextPrompt(in.Context))
	return b.String()
}

func (a *ExpertAdapter) Converse(ctx context.Context, in ConverseInput) Reply {
	logger := util.LoggerFromContext(ctx)
	if a.gen == nil {
		return Reply{Text: FallbackReplyText, Fallback: true}
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		prompt = ImageOnlyPrompt
	}
	req := ai.Request{
		SystemPrompt: a.SystemPrompt(in),
		History:      a.history(in.History),
		Prompt:       prompt,
		Image:        in.Image,
		Temperature:  a.temperature,
		Grounding:    a.grounding,
	}
	if len(in.Image) > 0 {
		req.ImageMIME = http.DetectContentType(in.Image)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	resp, err := a.gen.Generate(ctx, req)
	switch {
	case errors.Is(err, ai.ErrEmptyResponse):
		return Reply{Text: EmptyReplyText, Sources: resp.Sources}
	case err != nil:
		logger.Warn("oracle call failed, using fallback reply", "expert", in.ExpertName, "err", err)
		return Reply{Text: FallbackReplyText, Fallback: true}
	case strings.TrimSpace(resp.Text) == "":
		return Reply{Text: EmptyReplyText, Sources: resp.Sources}
	}
	return Reply{Text: resp.Text, Sources: resp.Sources}
}

func (a *ExpertAdapter) history(msgs []domain.ChatMessage) []ai.Turn {
	if a.historyLimit == 0 || len(msgs) == 0 {
		return nil
	}
	if len(msgs) > a.historyLimit {
		msgs = msgs[len(msgs)-a.historyLimit:]
	}
	turns := make([]ai.Turn, 0, len(msgs))
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		turns = append(turns, ai.Turn{Role: m.Role, Text: text})
	}
	return turns
}
