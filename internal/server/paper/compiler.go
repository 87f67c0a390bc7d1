// Package paper compiles the exam-paper text format into a structured
// question set plus option flags. Compile is a pure function consumed at
// test-creation time; a malformed paper is a hard validation failure.
//
// The format is a sequence of `TOKEN : value ;` statements. Literal colons
// and semicolons inside values are escaped as \CO and \SC.
package paper

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformed is wrapped by every compile error.
var ErrMalformed = errors.New("paper is malformed")

// Options are the paper-wide behaviour flags.
type Options struct {
	CanNavigate      bool `json:"can_navigate"`
	CanSkip          bool `json:"can_skip"`
	SubmitMeansFinal bool `json:"submit_means_final"`
	CanEndTest       bool `json:"can_end_test"`
	SeeQuestionList  bool `json:"see_question_list"`
}

// Question is one compiled question, carrying the per-examinee answer state
// alongside the static content so an answer sheet is a self-contained copy.
type Question struct {
	Type           string   `json:"type"` // "single" or "multiple"
	Marks          float64  `json:"marks"`
	Index          int      `json:"index"`
	Section        string   `json:"section"`
	QuestionNumber int      `json:"questionnumber"`
	Question       string   `json:"question"`
	Options        []string `json:"option"`
	Answered       bool     `json:"answered"`
	Skipped        bool     `json:"skipped"`
	MarkedOptions  []string `json:"markedoption"`
	// ObtainedMarks is nil until graded.
	ObtainedMarks *float64 `json:"obtainmarks"`
}

// Paper is the compiled output.
type Paper struct {
	Options    Options    `json:"option"`
	TotalMarks float64    `json:"totalmarks"`
	Questions  []Question `json:"paper"`
}

// AnswerSheet is the per-examinee working copy of a paper.
type AnswerSheet struct {
	TotalMarks    float64    `json:"totalmarks"`
	MarksObtained float64    `json:"marksobtained"`
	Answers       []Question `json:"answers"`
}

type tokenKind int

const (
	kindToken tokenKind = iota
	kindValue
)

type token struct {
	kind  tokenKind
	value string
}

var optionTokens = map[string]bool{
	"can_navigate":      true,
	"can_skip":          true,
	"submit_means_final": true,
	"can_end_test":      true,
	"see_question_list": true,
}

var paperTokens = map[string]bool{
	"TOTALMARKS": true,
	"SECTION":    true,
	"QUESTION":   true,
	"MARKS":      true,
	"TYPE":       true,
	"OPTION":     true,
}

var (
	escColon     = regexp.MustCompile(`(?i)\\CO`)
	escSemicolon = regexp.MustCompile(`(?i)\\SC`)
)

// Compile parses src and returns the structured paper.
func Compile(src []byte) (*Paper, error) {
	stmts := lex(string(src))
	ast, err := parse(stmts)
	if err != nil {
		return nil, err
	}
	return generate(ast), nil
}

func lex(src string) [][]token {
	var stmts [][]token
	for _, stmt := range strings.Split(src, ";") {
		var tokens []token
		for _, part := range strings.Split(stmt, ":") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if optionTokens[strings.ToLower(part)] || paperTokens[strings.ToUpper(part)] {
				tokens = append(tokens, token{kind: kindToken, value: part})
				continue
			}
			value := escColon.ReplaceAllString(part, ":")
			value = escSemicolon.ReplaceAllString(value, ";")
			tokens = append(tokens, token{kind: kindValue, value: value})
		}
		if len(tokens) > 0 {
			stmts = append(stmts, tokens)
		}
	}
	return stmts
}

type node struct {
	typ   string // "option", "totalmarks", "paper"
	token string
	str   string
	num   float64
	flag  bool
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func parse(stmts [][]token) ([]node, error) {
	for _, s := range stmts {
		if len(s) != 2 || s[0].kind != kindToken || s[1].kind != kindValue {
			return nil, malformed("every statement needs one token and one value")
		}
	}

	var ast []node
	find := func(tok string) *node {
		for i := range ast {
			if ast[i].token == tok {
				return &ast[i]
			}
		}
		return nil
	}
	findAny := func(toks ...string) *node {
		for i := range ast {
			for _, t := range toks {
				if ast[i].token == t {
					return &ast[i]
				}
			}
		}
		return nil
	}

	sectionSeen := false
	for i, s := range stmts {
		tok, value := s[0].value, s[1].value
		lower, upper := strings.ToLower(tok), strings.ToUpper(tok)

		switch {
		case optionTokens[lower]:
			flag, err := strconv.ParseBool(strings.ToLower(value))
			if err != nil {
				return nil, malformed("%s has invalid value %s instead of true or false", tok, value)
			}
			ast = append(ast, node{typ: "option", token: lower, flag: flag})
			if lower == "can_navigate" || lower == "can_skip" {
				skip, nav := find("can_skip"), find("can_navigate")
				if skip != nil && nav != nil && skip.flag == nav.flag {
					return nil, malformed("can_skip and can_navigate have conflicting values")
				}
			}

		case upper == "TOTALMARKS":
			if findAny("SECTION", "QUESTION", "MARKS", "TYPE", "OPTION") != nil {
				return nil, malformed("TOTALMARKS has to be before any SECTION, QUESTION, MARKS, TYPE or OPTION")
			}
			n, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, malformed("%s has invalid value %s instead of number", tok, value)
			}
			ast = append(ast, node{typ: "totalmarks", token: "TOTALMARKS", num: n})

		case upper == "SECTION":
			if !sectionSeen {
				if findAny("QUESTION", "MARKS", "TYPE", "OPTION") != nil {
					return nil, malformed("SECTION has to be before any QUESTION, MARKS, TYPE or OPTION")
				}
				sectionSeen = true
			}
			ast = append(ast, node{typ: "paper", token: "SECTION", str: value})

		case upper == "QUESTION":
			if len(ast) == 0 {
				return nil, malformed("paper is malformed at line %d", i+1)
			}
			last := ast[len(ast)-1].token
			if last != "SECTION" && last != "OPTION" && last != "TOTALMARKS" {
				return nil, malformed("paper is malformed at line %d", i+1)
			}
			ast = append(ast, node{typ: "paper", token: "QUESTION", str: value})

		case upper == "MARKS":
			if len(ast) == 0 || ast[len(ast)-1].token != "QUESTION" {
				return nil, malformed("paper is malformed at line %d", i+1)
			}
			n, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, malformed("%s has invalid value %s instead of number", tok, value)
			}
			ast = append(ast, node{typ: "paper", token: "MARKS", num: n})

		case upper == "TYPE":
			if len(ast) == 0 || ast[len(ast)-1].token != "MARKS" {
				return nil, malformed("paper is malformed at line %d", i+1)
			}
			kind := strings.ToLower(value)
			if kind != "single" && kind != "multiple" {
				return nil, malformed("%s has invalid value %s instead of single or multiple", tok, value)
			}
			ast = append(ast, node{typ: "paper", token: "TYPE", str: kind})

		case upper == "OPTION":
			if len(ast) == 0 {
				return nil, malformed("paper is malformed at line %d", i+1)
			}
			last := ast[len(ast)-1].token
			if last != "OPTION" && last != "TYPE" {
				return nil, malformed("paper is malformed at line %d", i+1)
			}
			ast = append(ast, node{typ: "paper", token: "OPTION", str: value})

		default:
			return nil, malformed("%s is not a valid syntax", tok)
		}
	}

	nav, skip := find("can_navigate"), find("can_skip")
	if nav == nil && skip == nil {
		return nil, malformed("either can_skip or can_navigate must be present")
	}
	if nav != nil && !nav.flag && skip == nil {
		return nil, malformed("can_navigate cannot be false")
	}
	if skip != nil && !skip.flag && nav == nil {
		return nil, malformed("can_skip cannot be false")
	}
	for _, required := range []string{"TOTALMARKS", "QUESTION", "MARKS", "TYPE", "OPTION"} {
		if find(required) == nil {
			return nil, malformed("missing %s", required)
		}
	}
	return ast, nil
}

func generate(ast []node) *Paper {
	p := &Paper{
		Options: Options{
			CanEndTest:      true,
			SeeQuestionList: true,
		},
	}
	section := "default"
	questionNumber := 0
	index := -1
	for _, n := range ast {
		switch n.typ {
		case "option":
			switch n.token {
			case "can_skip":
				p.Options.CanSkip = n.flag
			case "can_navigate":
				p.Options.CanNavigate = n.flag
			case "can_end_test":
				p.Options.CanEndTest = n.flag
			case "see_question_list":
				p.Options.SeeQuestionList = n.flag
			case "submit_means_final":
				p.Options.SubmitMeansFinal = n.flag
			}
		case "totalmarks":
			p.TotalMarks = n.num
		case "paper":
			switch n.token {
			case "SECTION":
				section = n.str
				questionNumber = 0
			case "QUESTION":
				questionNumber++
				index++
				p.Questions = append(p.Questions, Question{
					Section:        section,
					Index:          index,
					QuestionNumber: questionNumber,
					Question:       n.str,
					Type:           "single",
				})
			case "MARKS":
				p.Questions[index].Marks = n.num
			case "TYPE":
				p.Questions[index].Type = n.str
			case "OPTION":
				p.Questions[index].Options = append(p.Questions[index].Options, n.str)
			}
		}
	}
	return p
}

// NewAnswerSheet builds the per-examinee working copy of a compiled paper.
func NewAnswerSheet(p *Paper) *AnswerSheet {
	answers := make([]Question, len(p.Questions))
	copy(answers, p.Questions)
	return &AnswerSheet{TotalMarks: p.TotalMarks, Answers: answers}
}
