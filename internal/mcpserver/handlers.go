package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *PaylaneClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *PaylaneClient) *Handlers {
	return &Handlers{client: client}
}

// HandleSessionStatus looks up a single session.
func (h *Handlers) HandleSessionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
	}

	text, err := formatSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListSessions lists the configured owner's sessions.
func (h *Handlers) HandleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListSessions(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list sessions: %v", err)), nil
	}

	text, err := formatSessionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sessions: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleRelayStatus reports where a payment sits in the relay pipeline.
func (h *Handlers) HandleRelayStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paymentID := req.GetString("payment_id", "")
	if paymentID == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.client.GetRelayStatus(ctx, paymentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment status: %v", err)), nil
	}

	text, err := formatRelay(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payment: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleSettlementLookup returns a settlement with its allocation lines.
func (h *Handlers) HandleSettlementLookup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	intentID := req.GetString("payment_intent_id", "")
	if intentID == "" {
		return mcp.NewToolResultError("payment_intent_id is required"), nil
	}

	raw, err := h.client.GetSettlement(ctx, intentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get settlement: %v", err)), nil
	}

	text, err := formatSettlement(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse settlement: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleSettlementStats returns settlement counts by status.
func (h *Handlers) HandleSettlementStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetSettlementStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get settlement stats: %v", err)), nil
	}

	return mcp.NewToolResultText("Settlement counts by status:\n" + formatJSON(raw)), nil
}

// HandlePlatformStats combines platform info with live statistics.
func (h *Handlers) HandlePlatformStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := h.client.GetPlatformInfo(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get platform info: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Platform:\n")
	sb.WriteString(formatJSON(info))

	if stats, err := h.client.GetPlatformStats(ctx); err == nil {
		sb.WriteString("\n\nStatistics:\n")
		sb.WriteString(formatJSON(stats))
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatSession(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	return formatSessionMap(m), nil
}

func formatSessionMap(m map[string]any) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Session %s\n", getString(m, "id")))
	sb.WriteString(fmt.Sprintf("  Owner:  %s\n", getString(m, "owner")))
	sb.WriteString(fmt.Sprintf("  Signer: %s\n", getString(m, "signer")))
	sb.WriteString(fmt.Sprintf("  Limits: %s USDC per spend, %s USDC per day\n",
		getString(m, "singleLimit"), getString(m, "dailyLimit")))
	sb.WriteString(fmt.Sprintf("  Today:  %s USDC used, %s USDC remaining\n",
		getString(m, "usedToday"), getString(m, "remainingToday")))
	sb.WriteString(fmt.Sprintf("  Expiry: %s\n", getString(m, "expiry")))

	if active, ok := m["active"].(bool); ok && active {
		sb.WriteString("  Status: active\n")
	} else if v := getString(m, "revokedAt"); v != "" {
		sb.WriteString(fmt.Sprintf("  Status: revoked at %s\n", v))
	} else {
		sb.WriteString("  Status: expired\n")
	}
	return sb.String()
}

func formatSessionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Sessions []map[string]any `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected sessions response format")
	}
	if len(resp.Sessions) == 0 {
		return "No sessions found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d session(s):\n\n", len(resp.Sessions)))
	for i, s := range resp.Sessions {
		sb.WriteString(formatSessionMap(s))
		if i < len(resp.Sessions)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatRelay(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Payment %s\n", getString(m, "paymentId")))
	sb.WriteString(fmt.Sprintf("  Session:   %s\n", getString(m, "sessionId")))
	sb.WriteString(fmt.Sprintf("  Recipient: %s\n", getString(m, "recipient")))
	sb.WriteString(fmt.Sprintf("  Amount:    %s USDC\n", getString(m, "amount")))
	sb.WriteString(fmt.Sprintf("  Status:    %s\n", getString(m, "status")))

	if v := getString(m, "txHash"); v != "" {
		sb.WriteString(fmt.Sprintf("  Tx:        %s\n", v))
	}
	if v := getString(m, "failureReason"); v != "" {
		sb.WriteString(fmt.Sprintf("  Failure:   %s\n", v))
	}
	if getString(m, "status") == "requires_reconciliation" {
		sb.WriteString("\nThis payment needs operator review; the outcome on-chain is unknown.\n")
	}
	return sb.String(), nil
}

func formatSettlement(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Settlement %s\n", getString(m, "paymentIntentId")))
	if v := getString(m, "orderId"); v != "" {
		sb.WriteString(fmt.Sprintf("  Order:    %s\n", v))
	}
	sb.WriteString(fmt.Sprintf("  Total:    %s %s (%s)\n",
		getString(m, "totalAmount"), getString(m, "currency"), getString(m, "productType")))
	sb.WriteString(fmt.Sprintf("  Status:   %s\n", getString(m, "status")))
	sb.WriteString(fmt.Sprintf("  Fees:     base %s | pool %s | channel %s | platform net %s\n",
		getString(m, "platformBaseFee"), getString(m, "poolFee"),
		getString(m, "channelFee"), getString(m, "platformNet")))

	if lines, ok := m["allocations"].([]any); ok && len(lines) > 0 {
		sb.WriteString("  Payouts:\n")
		for _, l := range lines {
			lm, ok := l.(map[string]any)
			if !ok {
				continue
			}
			ref := getString(lm, "transferRef")
			if ref == "" {
				ref = "unpaid"
			}
			sb.WriteString(fmt.Sprintf("    %s (%s): %s USDC -> %s [%s]\n",
				getString(lm, "payeeId"), getString(lm, "payeeType"),
				getString(lm, "amount"), getString(lm, "account"), ref))
		}
	}

	if v := getString(m, "disputeReason"); v != "" {
		sb.WriteString(fmt.Sprintf("  Dispute:  %s\n", v))
	}
	if v := getString(m, "resolution"); v != "" {
		sb.WriteString(fmt.Sprintf("  Resolved: %s\n", v))
	}
	if v := getString(m, "failureReason"); v != "" {
		sb.WriteString(fmt.Sprintf("  Failure:  %s\n", v))
	}
	if v := getString(m, "auditProofHash"); v != "" {
		sb.WriteString(fmt.Sprintf("  Audit:    %s\n", v))
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
