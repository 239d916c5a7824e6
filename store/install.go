package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Installation is the stored credential for one workspace install.
type Installation struct {
	TeamID      string    `bson:"team_id"`
	TeamName    string    `bson:"team_name"`
	BotToken    string    `bson:"bot_token"`
	BotUserID   string    `bson:"bot_user_id"`
	InstalledAt time.Time `bson:"installed_at"`
}

// Installs is the workspace installation collection handle.
type Installs struct {
	coll *mongo.Collection
}

func NewInstalls(client *mongo.Client) *Installs {
	return &Installs{coll: client.Database(DatabaseName).Collection(installCollection)}
}

// Save records a completed install. Reinstalls append; Find prefers the
// newest record so rotated tokens win without deleting history.
func (s *Installs) Save(ctx context.Context, inst Installation) error {
	if inst.InstalledAt.IsZero() {
		inst.InstalledAt = time.Now().UTC()
	}
	if _, err := s.coll.InsertOne(ctx, inst); err != nil {
		return fmt.Errorf("save installation: %w", err)
	}
	return nil
}

// ErrNotInstalled is returned when a workspace has no stored installation.
var ErrNotInstalled = fmt.Errorf("workspace not installed")

// Find returns the most recent installation for a workspace.
func (s *Installs) Find(ctx context.Context, teamID string) (*Installation, error) {
	var inst Installation
	err := s.coll.FindOne(ctx,
		bson.M{"team_id": teamID},
		options.FindOne().SetSort(bson.D{{Key: "installed_at", Value: -1}}),
	).Decode(&inst)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotInstalled
	}
	if err != nil {
		return nil, fmt.Errorf("find installation: %w", err)
	}
	return &inst, nil
}
