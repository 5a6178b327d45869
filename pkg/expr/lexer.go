package expr

import (
	"fmt"
	"strings"
	"text/scanner"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokDot
	tokPipe
	tokOp // ==, !=, <, <=, >, >=
	tokAnd
	tokOr
	tokNot
	tokIn
)

type token struct {
	kind tokenKind
	text string
}

// lex tokenizes the content found between a single pair of "{{" "}}"
// delimiters (delimiters already stripped by the caller).
func lex(src string) ([]token, error) {
	var s scanner.Scanner
	s.Init(strings.NewReader(src))
	s.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanFloats | scanner.ScanStrings | scanner.ScanChars
	s.Error = func(_ *scanner.Scanner, msg string) {}

	var toks []token
	for {
		r := s.Scan()
		if r == scanner.EOF {
			break
		}
		switch r {
		case scanner.Ident:
			text := s.TokenText()
			switch text {
			case "and":
				toks = append(toks, token{tokAnd, text})
			case "or":
				toks = append(toks, token{tokOr, text})
			case "not":
				toks = append(toks, token{tokNot, text})
			case "in":
				toks = append(toks, token{tokIn, text})
			default:
				toks = append(toks, token{tokIdent, text})
			}
		case scanner.Int, scanner.Float:
			toks = append(toks, token{tokNumber, s.TokenText()})
		case scanner.String, scanner.Char:
			unq := s.TokenText()
			toks = append(toks, token{tokString, unq})
		case '(':
			toks = append(toks, token{tokLParen, "("})
		case ')':
			toks = append(toks, token{tokRParen, ")"})
		case '[':
			toks = append(toks, token{tokLBracket, "["})
		case ']':
			toks = append(toks, token{tokRBracket, "]"})
		case ',':
			toks = append(toks, token{tokComma, ","})
		case '.':
			toks = append(toks, token{tokDot, "."})
		case '|':
			if s.Peek() == '|' {
				s.Next()
				toks = append(toks, token{tokOr, "||"})
			} else {
				toks = append(toks, token{tokPipe, "|"})
			}
		case '=':
			if s.Peek() == '=' {
				s.Next()
				toks = append(toks, token{tokOp, "=="})
			} else {
				return nil, fmt.Errorf("unexpected '='")
			}
		case '!':
			if s.Peek() == '=' {
				s.Next()
				toks = append(toks, token{tokOp, "!="})
			} else {
				toks = append(toks, token{tokNot, "!"})
			}
		case '<':
			if s.Peek() == '=' {
				s.Next()
				toks = append(toks, token{tokOp, "<="})
			} else {
				toks = append(toks, token{tokOp, "<"})
			}
		case '>':
			if s.Peek() == '=' {
				s.Next()
				toks = append(toks, token{tokOp, ">="})
			} else {
				toks = append(toks, token{tokOp, ">"})
			}
		case '&':
			if s.Peek() == '&' {
				s.Next()
				toks = append(toks, token{tokAnd, "&&"})
			} else {
				return nil, fmt.Errorf("unexpected '&'")
			}
		default:
			return nil, fmt.Errorf("unexpected character %q", r)
		}
	}
	return toks, nil
}
