// Package plan loads, substitutes, and validates phased orchestration plan
// documents. A plan is a YAML document with a reserved "plan" header and an
// ordered map of phase entries; the loader performs ${NAME:default}
// environment substitution textually before structural validation, so every
// substituted value must satisfy the schema of the field it lands in.
//
// The schema is closed: unknown fields anywhere in the document are rejected.
package plan
