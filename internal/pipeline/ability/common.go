package ability

import (
	"context"
	"regexp"
	"strings"
)

// NewCommon builds the "common" provider: internal case-handling abilities
// (payload intake, validation, parsing, decision and response generation).
// All abilities are deterministic mocks of the real business logic.
func NewCommon() *Registry {
	r := NewRegistry("common")
	_ = r.Register("accept_payload", acceptPayload)
	_ = r.Register("validate_input", validateInput)
	_ = r.Register("normalize_fields", normalizeFields)
	_ = r.Register("parse_request_text", parseRequestText)
	_ = r.Register("add_flags_calculations", addFlagsCalculations)
	_ = r.Register("check_required_fields", checkRequiredFields)
	_ = r.Register("extract_entities", commonExtractEntities)
	_ = r.Register("enrich_records", commonEnrichRecords)
	_ = r.Register("escalation_decision", commonEscalationDecision)
	_ = r.Register("solution_evaluation", commonSolutionEvaluation)
	_ = r.Register("update_payload", commonUpdatePayload)
	_ = r.Register("response_generation", responseGeneration)
	_ = r.Register("output_payload", outputPayload)
	return r
}

var whitespaceRE = regexp.MustCompile(`\s+`)

func acceptPayload(_ context.Context, state map[string]any) (any, error) {
	return map[string]any{
		"payload_accepted": true,
		"payload_size":     len(state),
	}, nil
}

func validateInput(_ context.Context, state map[string]any) (any, error) {
	required := []string{"customer", "query", "ticket_id"}
	results := map[string]any{}
	allValid := true
	for _, field := range required {
		v, ok := state[field]
		valid := ok && v != nil
		results[field+"_valid"] = valid
		if !valid {
			allValid = false
		}
	}
	return map[string]any{
		"input_validation":  results,
		"validation_passed": allValid,
	}, nil
}

func normalizeFields(_ context.Context, state map[string]any) (any, error) {
	normalized := map[string]any{}
	if name := nestedString(state, "customer", "name"); name != "" {
		normalized["customer_name_normalized"] = titleCase(strings.TrimSpace(name))
	}
	if query := stringField(state, "query"); query != "" {
		q := whitespaceRE.ReplaceAllString(strings.TrimSpace(query), " ")
		normalized["query_normalized"] = q
		normalized["query_length"] = len(q)
	}
	if ticket := stringField(state, "ticket_id"); ticket != "" {
		normalized["ticket_id_normalized"] = strings.ToUpper(strings.TrimSpace(ticket))
	}
	return map[string]any{"normalization": normalized}, nil
}

func parseRequestText(_ context.Context, state map[string]any) (any, error) {
	text := nestedString(state, "request", "text")
	if text == "" {
		text = stringField(state, "query")
	}
	lower := strings.ToLower(text)

	var keywords []string
	for _, indicator := range []string{"urgent", "asap", "immediately", "critical", "emergency"} {
		if strings.Contains(lower, indicator) {
			keywords = append(keywords, indicator)
		}
	}
	var mentioned []string
	for _, product := range []string{"account", "billing", "payment", "login", "password", "feature"} {
		if strings.Contains(lower, product) {
			mentioned = append(mentioned, product)
		}
	}
	return map[string]any{
		"parsed_request": map[string]any{
			"original_text":      text,
			"keywords":           keywords,
			"mentioned_products": mentioned,
			"text_length":        len(text),
			"urgency_detected":   len(keywords) > 0,
		},
	}, nil
}

func addFlagsCalculations(_ context.Context, state map[string]any) (any, error) {
	query := strings.ToLower(stringField(state, "query"))
	parsed, _ := state["parsed_request"].(map[string]any)
	urgency, _ := parsed["urgency_detected"].(bool)

	flags := map[string]any{
		"high_priority":        urgency || strings.Contains(strings.ToLower(stringField(state, "priority")), "high"),
		"technical_issue":      containsAny(query, "error", "bug", "broken", "not working", "crash", "issue"),
		"billing_related":      containsAny(query, "billing", "payment", "charge", "invoice", "refund"),
		"requires_escalation":  containsAny(query, "manager", "supervisor", "complaint", "unsatisfied"),
		"potential_churn_risk": false,
	}

	risk := 0
	if flags["high_priority"].(bool) {
		risk += 30
	}
	if flags["requires_escalation"].(bool) {
		risk += 40
	}
	if flags["technical_issue"].(bool) {
		risk += 20
	}
	if flags["billing_related"].(bool) {
		risk += 15
	}
	if risk > 100 {
		risk = 100
	}
	complexity := "low"
	switch {
	case risk > 60:
		complexity = "high"
	case risk > 30:
		complexity = "medium"
	}
	return map[string]any{
		"flags": flags,
		"calculations": map[string]any{
			"risk_score":          risk,
			"complexity_estimate": complexity,
		},
	}, nil
}

func checkRequiredFields(_ context.Context, state map[string]any) (any, error) {
	var missing, invalid []string
	if _, ok := state["customer_id"]; !ok {
		missing = append(missing, "customer_id")
	} else if _, ok := state["customer_id"].(string); !ok {
		invalid = append(invalid, "customer_id")
	}
	for _, field := range []string{"request", "contact_info"} {
		v, ok := state[field]
		if !ok {
			missing = append(missing, field)
			continue
		}
		if _, ok := v.(map[string]any); !ok {
			invalid = append(invalid, field)
		}
	}
	return map[string]any{
		"required_fields_check": map[string]any{
			"missing_fields":       missing,
			"invalid_types":        invalid,
			"all_required_present": len(missing) == 0 && len(invalid) == 0,
		},
	}, nil
}

func commonExtractEntities(_ context.Context, state map[string]any) (any, error) {
	text := strings.ToLower(nestedString(state, "request", "description"))
	urgency := "medium"
	if containsAny(text, "urgent", "critical", "emergency") {
		urgency = "high"
	}
	issueType := "general"
	if containsAny(text, "api", "error", "timeout", "integration") {
		issueType = "technical"
	}
	var products []string
	for _, p := range []string{"api", "authentication", "billing", "account"} {
		if strings.Contains(text, p) {
			products = append(products, p)
		}
	}
	return map[string]any{
		"extracted_entities": map[string]any{
			"urgency_level":    urgency,
			"issue_type":       issueType,
			"product_mentions": products,
		},
	}, nil
}

func commonEnrichRecords(_ context.Context, _ map[string]any) (any, error) {
	return map[string]any{
		"enriched_data": map[string]any{
			"account_status":     "active",
			"support_tier":       "premium",
			"previous_issues":    2,
			"satisfaction_score": 4.5,
		},
	}, nil
}

func commonEscalationDecision(_ context.Context, state map[string]any) (any, error) {
	urgency := nestedString(state, "request", "urgency")
	if urgency == "" {
		urgency = "medium"
	}
	tier := nestedString(state, "customer_context", "subscription_tier")
	if tier == "" {
		tier = "basic"
	}
	escalate := urgency == "critical" || tier == "premium"
	return map[string]any{
		"escalation_required": escalate,
		"escalation_reason":   "urgency: " + urgency + ", tier: " + tier,
	}, nil
}

func commonSolutionEvaluation(_ context.Context, state map[string]any) (any, error) {
	category := nestedString(state, "request", "category")
	solutions := map[string][]string{
		"technical_issue": {"Check API credentials", "Verify endpoint configuration", "Review error logs"},
		"billing_inquiry": {"Review account status", "Check payment history", "Update billing information"},
		"general":         {"Provide documentation", "Schedule consultation", "Escalate to specialist"},
	}
	recommended, ok := solutions[category]
	if !ok {
		recommended = solutions["general"]
	}
	return map[string]any{
		"recommended_solutions": recommended,
		"solution_confidence":   0.85,
	}, nil
}

func commonUpdatePayload(_ context.Context, _ map[string]any) (any, error) {
	return map[string]any{
		"payload_updates": map[string]any{
			"processing_complete": true,
			"workflow_stage":      "decision_complete",
		},
	}, nil
}

func responseGeneration(_ context.Context, state map[string]any) (any, error) {
	name := nestedString(state, "customer", "name")
	if name == "" {
		name = "Valued Customer"
	}
	category := stringField(state, "request_category")
	if category == "" {
		category = "general_inquiry"
	}
	flags, _ := state["flags"].(map[string]any)
	escalated, _ := flags["requires_escalation"].(bool)

	var body string
	switch category {
	case "account_access":
		body = "Thank you for contacting us regarding your account access. We understand how important it is to have seamless access to your account."
	case "billing":
		body = "Thank you for reaching out about your billing inquiry. We're here to help resolve any billing-related concerns you may have."
	case "technical_issue":
		body = "Thank you for reporting this technical issue. We take all technical concerns seriously and will work to resolve this promptly."
	default:
		body = "Thank you for contacting us. We have received your inquiry and will provide you with the assistance you need."
	}
	if escalated {
		body += " Your case has been escalated to our specialized team for further assistance."
	}
	response := "Dear " + name + ",\n\n" + body + "\n\nBest regards,\nCustomer Support Team"
	return map[string]any{
		"response_text": response,
		"response_metadata": map[string]any{
			"category":     category,
			"personalized": true,
			"escalated":    escalated,
		},
	}, nil
}

func outputPayload(_ context.Context, state map[string]any) (any, error) {
	caseID := stringField(state, "case_id")
	if caseID == "" {
		caseID = "case_" + stringField(state, "workflow_id")
	}
	customerID := nestedString(state, "customer", "id")
	if customerID == "" {
		customerID = stringField(state, "customer_id")
	}
	if customerID == "" {
		customerID = "unknown"
	}
	escalated, _ := state["escalation_required"].(bool)
	resolution := "pending"
	if escalated {
		resolution = "escalated"
	} else if stringField(state, "workflow_status") == "running" {
		resolution = "resolved"
	}
	responseText := stringField(state, "response_text")
	if responseText == "" {
		responseText = "Thank you for contacting us. We have processed your request and will follow up as needed."
	}
	return map[string]any{
		"structured_payload": map[string]any{
			"case_id":             caseID,
			"customer_id":         customerID,
			"resolution_status":   resolution,
			"response_text":       responseText,
			"escalation_required": escalated,
		},
		"payload_generated": true,
	}, nil
}

func stringField(state map[string]any, key string) string {
	s, _ := state[key].(string)
	return s
}

func nestedString(state map[string]any, outer, inner string) string {
	m, _ := state[outer].(map[string]any)
	s, _ := m[inner].(string)
	return s
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
