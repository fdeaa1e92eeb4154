package pricing

// builtinRules are the shipped defaults, USD per million tokens. A pricing
// file or admin-loaded rules override these at the same provider/model key.
var builtinRules = []Rule{
	// OpenAI
	{Model: "gpt-4o", InputPerMTok: 2.50, OutputPerMTok: 10.00},
	{Model: "gpt-4o-mini", InputPerMTok: 0.15, OutputPerMTok: 0.60},
	{Model: "gpt-4.1", InputPerMTok: 2.00, OutputPerMTok: 8.00},
	{Model: "gpt-4.1-mini", InputPerMTok: 0.40, OutputPerMTok: 1.60},
	{Model: "gpt-4.1-nano", InputPerMTok: 0.10, OutputPerMTok: 0.40},
	{Model: "o3", InputPerMTok: 2.00, OutputPerMTok: 8.00},
	{Model: "o4-mini", InputPerMTok: 1.10, OutputPerMTok: 4.40},

	// Anthropic
	{Model: "claude-sonnet-4-20250514", InputPerMTok: 3.00, OutputPerMTok: 15.00},
	{Model: "claude-opus-4-20250514", InputPerMTok: 15.00, OutputPerMTok: 75.00},
	{Model: "claude-3-5-haiku-20241022", InputPerMTok: 0.80, OutputPerMTok: 4.00},

	// Google
	{Model: "gemini-2.5-pro", InputPerMTok: 1.25, OutputPerMTok: 10.00},
	{Model: "gemini-2.5-flash", InputPerMTok: 0.30, OutputPerMTok: 2.50},
	{Model: "gemini-2.0-flash", InputPerMTok: 0.10, OutputPerMTok: 0.40},
}
