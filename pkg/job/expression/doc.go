// Package expression provides condition expression evaluation for job steps.
//
// It uses the expr-lang/expr library to evaluate boolean expressions that
// determine whether job steps should execute. Expressions support:
//
//   - Variable access: inputs.name, env.TEMP_PATH, steps.step_id.outcome
//   - Comparisons: ==, !=, <, >, <=, >=
//   - Boolean logic: &&, ||, !
//   - Membership: "value" in array (built-in operator)
//   - Custom functions: has(array, element), includes(array, element)
//   - Status functions: always(), success(), failure(), cancelled()
//
// Example expressions:
//
//	always()
//	success() && inputs.publish
//	failure() || steps.index.outcome == "skipped"
//	env.TARGET in ["master", "main"]
//
// The default condition for a step is success(): the step runs only while no
// earlier step has failed the run. Steps guarded with always() run regardless
// of prior failures, which is how cleanup steps are expressed.
//
// The evaluator caches compiled expressions for performance.
//
// Note: The expr library uses "contains" as a string operator (for substring
// matching), so use "in" or "has()" for array membership checks.
package expression
