package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Paylane MCP server.
// Descriptions are what the LLM reads to decide which tool to use.
// All tools are read only; money movement stays on the signed HTTP API.

var ToolSessionStatus = mcp.NewTool("session_status",
	mcp.WithDescription(
		"Look up a Paylane spending session by ID. "+
			"Shows the signer, per-transaction and daily USDC limits, "+
			"how much of today's budget is used, expiry, and revocation state."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID (e.g. 'sess_...')")),
)

var ToolListSessions = mcp.NewTool("list_sessions",
	mcp.WithDescription(
		"List your spending sessions on Paylane, newest first. "+
			"Use this to find a session ID or review which signers are authorized."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of sessions to return (default 20)")),
)

var ToolRelayStatus = mcp.NewTool("relay_status",
	mcp.WithDescription(
		"Check where a relayed USDC payment sits in the pipeline: "+
			"queued, submitted, confirmed, failed, or requires_reconciliation. "+
			"Shows the transaction hash once on-chain and any failure reason."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment ID returned when the spend was submitted (e.g. 'pay_...')")),
)

var ToolSettlementLookup = mcp.NewTool("settlement_lookup",
	mcp.WithDescription(
		"Look up a multi-party settlement by payment intent ID. "+
			"Shows the fee breakdown (base, pool, execution, channel), every "+
			"allocation line with its payout status, dispute state, and the audit proof hash."),
	mcp.WithString("payment_intent_id",
		mcp.Required(),
		mcp.Description("The payment intent ID from the order event (e.g. 'pi_...')")),
)

var ToolSettlementStats = mcp.NewTool("settlement_stats",
	mcp.WithDescription(
		"Get settlement counts grouped by status: pending, processing, settled, "+
			"failed, disputed, refunded. Useful for spotting a backlog."),
)

var ToolPlatformStats = mcp.NewTool("platform_stats",
	mcp.WithDescription(
		"Get Paylane platform info and live statistics: relayer address, chain, "+
			"USDC contract, active session count, and realtime stream stats."),
)
