package builtin

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/relaygw/relay/internal/tool"
)

// CalculateTool evaluates arithmetic expressions. The grammar is a small
// recursive-descent parser: + - * / % ^, parentheses, unary minus.
type CalculateTool struct{}

// NewCalculateTool creates the arithmetic tool.
func NewCalculateTool() *CalculateTool {
	return &CalculateTool{}
}

func (t *CalculateTool) Descriptor() tool.Descriptor {
	return tool.Descriptor{
		Name:        "calculate",
		Description: "Evaluate an arithmetic expression. Supports + - * / % ^ and parentheses.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"expression": map[string]interface{}{
					"type":        "string",
					"description": "The expression to evaluate, e.g. (2 + 3) * 4",
				},
			},
			"required": []interface{}{"expression"},
		},
		OutputKind:           tool.OutputText,
		MaxExecutionMs:       1000,
		MaxOutputBytes:       1024,
		Cacheable:            true,
		CacheTTLSeconds:      86_400,
		IdempotencyKeyFields: []string{"expression"},
	}
}

func (t *CalculateTool) Execute(ctx context.Context, args map[string]interface{}) (*tool.Output, error) {
	expr, _ := args["expression"].(string)
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("expression is required")
	}

	p := &exprParser{input: expr}
	result, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	if math.IsInf(result, 0) || math.IsNaN(result) {
		return nil, fmt.Errorf("expression has no finite result")
	}

	return &tool.Output{Text: strconv.FormatFloat(result, 'g', -1, 64)}, nil
}

// exprParser implements: expr := term (('+'|'-') term)*
// term := power (('*'|'/'|'%') power)* ; power := unary ('^' power)?
// unary := '-' unary | '(' expr ')' | number
type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parsePower()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case '%':
			p.pos++
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.peek() == '^' {
		p.pos++
		// Right-associative.
		exp, err := p.parsePower()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) parseUnary() (float64, error) {
	p.skipSpace()
	switch {
	case p.peek() == '-':
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	case p.peek() == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	default:
		return p.parseNumber()
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			p.pos++
			continue
		}
		break
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected a number at position %d", start)
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return v, nil
}

func (p *exprParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}
