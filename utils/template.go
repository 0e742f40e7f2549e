package utils

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/edisonguo/jet"
)

// ExecuteWriteTemplateFile renders the jet template at templateFileName
// into writer with data as the template context.
func ExecuteWriteTemplateFile(writer io.Writer, data interface{}, templateFileName string) error {
	view := jet.NewHTMLSet(filepath.Dir(templateFileName))
	tpl, err := view.GetTemplate(filepath.Base(templateFileName))
	if err != nil {
		return fmt.Errorf("error parsing template file %s: %v", templateFileName, err)
	}
	if err := tpl.Execute(writer, nil, data); err != nil {
		return fmt.Errorf("error executing template file %s: %v", templateFileName, err)
	}
	return nil
}
