package services

import (
	"strings"

	"github.com/dmitrijs2005/workspacesync/internal/server/models"
)

type classificationRule struct {
	keywords   []string
	entityType models.EntityType
}

// classificationRules is evaluated in order; the first rule with a keyword
// contained in the lower-cased title wins.
var classificationRules = []classificationRule{
	{[]string{"journal", "diary"}, models.EntityJournalEntries},
	{[]string{"calendar", "event", "schedule"}, models.EntityCalendarEvents},
	{[]string{"contract", "agreement"}, models.EntityContracts},
	{[]string{"rule", "boundar"}, models.EntityRules},
	{[]string{"task", "todo", "to-do"}, models.EntityTasks},
	{[]string{"idea", "brainstorm"}, models.EntityIdeas},
	{[]string{"image", "gallery", "picture"}, models.EntityGeneratedImages},
	{[]string{"character", "profile", "persona"}, models.EntityCharacters},
}

// Classify maps an external database title to the entity type it holds, or
// models.EntityUnknown.
func Classify(title string) models.EntityType {
	t := strings.ToLower(strings.TrimSpace(title))
	if t == "" {
		return models.EntityUnknown
	}
	for _, rule := range classificationRules {
		for _, kw := range rule.keywords {
			if strings.Contains(t, kw) {
				return rule.entityType
			}
		}
	}
	return models.EntityUnknown
}
