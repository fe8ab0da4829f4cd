package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"

	"taskboard/api/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var projectTemplate = template.Must(
	template.New("project.html").
		Funcs(template.FuncMap{
			"formatDate": func(t time.Time, layout string) string {
				return t.Format(layout)
			},
		}).
		ParseFS(templateFS, "templates/project.html"),
)

type TemplateData struct {
	Name       string
	Owner      string
	Members    []string
	Columns    []TemplateColumn
	ExportedAt time.Time
}

type TemplateColumn struct {
	Status string
	Tasks  []TemplateTask
}

type TemplateTask struct {
	Title       string
	Description string
	Assignee    string
	UpdatedAt   time.Time
}

// NewTemplateData groups tasks into one column per status, in board order.
func NewTemplateData(snapshot Snapshot) TemplateData {
	emails := map[string]string{snapshot.Owner.ID: snapshot.Owner.Email}
	members := make([]string, 0, len(snapshot.Members))
	for _, member := range snapshot.Members {
		emails[member.ID] = member.Email
		members = append(members, member.Email)
	}

	columns := make([]TemplateColumn, 0, len(store.TaskStatuses))
	for _, status := range store.TaskStatuses {
		column := TemplateColumn{Status: string(status), Tasks: []TemplateTask{}}
		for _, task := range snapshot.Tasks {
			if task.Status != status {
				continue
			}
			item := TemplateTask{Title: task.Title, UpdatedAt: task.UpdatedAt}
			if task.Description != nil {
				item.Description = *task.Description
			}
			if task.AssigneeID != nil {
				item.Assignee = emails[*task.AssigneeID]
			}
			column.Tasks = append(column.Tasks, item)
		}
		columns = append(columns, column)
	}

	return TemplateData{
		Name:       snapshot.Project.Name,
		Owner:      snapshot.Owner.Email,
		Members:    members,
		Columns:    columns,
		ExportedAt: snapshot.ExportedAt,
	}
}

func RenderProjectHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := projectTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
