package pac

import (
	"errors"
	"fmt"

	"github.com/robertkrimen/otto/ast"
	"github.com/robertkrimen/otto/parser"
)

// Validate parses script and checks that it declares FindProxyForURL.
func Validate(script string) error {
	program, err := parser.ParseFile(nil, "proxy.pac", script, 0)
	if err != nil {
		return fmt.Errorf("PAC script does not parse: %w", err)
	}
	for _, decl := range program.DeclarationList {
		if fn, ok := decl.(*ast.FunctionDeclaration); ok && fn.Function != nil && fn.Function.Name != nil {
			if fn.Function.Name.Name == "FindProxyForURL" {
				return nil
			}
		}
	}
	return errors.New("PAC script does not declare FindProxyForURL")
}
