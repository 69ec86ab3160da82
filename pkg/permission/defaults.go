package permission

// DefaultRules returns the built-in rule set every engine starts with
// (SPEC_FULL.md §4.2.1). Custom rules with a lower numeric priority
// take precedence, since the rule engine evaluates in ascending
// priority order and the first match wins.
func DefaultRules() []Rule {
	return []Rule{
		{ToolPattern: "Bash", Action: ActionAsk, Priority: 100},
		{ToolPattern: "Read", Action: ActionAllow, Priority: 100},
		{ToolPattern: "Glob", Action: ActionAllow, Priority: 100},
		{ToolPattern: "Grep", Action: ActionAllow, Priority: 100},
		{ToolPattern: "Write", PathPattern: "**", Action: ActionAsk, Priority: 100},
		{ToolPattern: "Edit", PathPattern: "**", Action: ActionAsk, Priority: 100},
		{ToolPattern: "WebFetch", Action: ActionAskSession, Priority: 100},
		{ToolPattern: "WebSearch", Action: ActionAskSession, Priority: 100},
		{ToolPattern: "*", Action: ActionAsk, Priority: 1000},
	}
}
