/*
Package template implements the task instruction template language: a
fixed `{{name}}` substitution grammar with no control flow, conditionals,
or nested scopes.

Variables extracts the set of placeholder names a template references;
ValidateDeclared checks a TaskType's declared variable list against that
set at type-creation time; Bind performs the actual substitution at
instruction-computation time, returning brokererr.MissingTemplateVariables
if the task's variable map doesn't cover every placeholder the template
requires.

This package deliberately does not use text/template or a third-party
templating engine: the grammar here is a single non-recursive regular
expression over literal key lookups, with none of text/template's
actions, pipelines, or control structures to justify the larger engine.
*/
package template
