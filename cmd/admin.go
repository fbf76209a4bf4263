// Copyright 2022 The lmsnotify Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/auth"
	"github.com/datapundits/lmsnotify/common"
	"github.com/datapundits/lmsnotify/storage"
	"github.com/go-faker/faker/v4"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// MigrateCLIArgs arguments
type MigrateCLIArgs struct {
	Command string `validate:"required,oneof=up down status version redo reset"`
}

// GetMigrateCLIFlags retrieve the set of CMD flags for the migrate subcommand
func GetMigrateCLIFlags(args *MigrateCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "command",
			Usage:       "Migration command: [up down status version redo reset]",
			Aliases:     []string{"m"},
			EnvVars:     []string{"MIGRATE_COMMAND"},
			Value:       "up",
			DefaultText: "up",
			Destination: &args.Command,
			Required:    false,
		},
	}
}

// RunMigration run a schema migration command
func RunMigration(runTimeContext context.Context, params MigrateCLIArgs, config common.StorageConfig) error {
	logTags := log.Fields{"module": "cmd", "component": "migrate"}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}
	db, err := storage.Open(runTimeContext, config)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to open %s database", config.Driver)
		return err
	}
	defer db.Close()
	if err := storage.Migrate(runTimeContext, db, config.Driver, params.Command); err != nil {
		log.WithError(err).WithFields(logTags).Error("Migration failed")
		return err
	}
	log.WithFields(logTags).Infof("Migration '%s' complete", params.Command)
	return nil
}

// ============================================================================

// TokenCLIArgs arguments
type TokenCLIArgs struct {
	UserID int64 `validate:"required,gt=0"`
}

// GetTokenCLIFlags retrieve the set of CMD flags for the token subcommand
func GetTokenCLIFlags(args *TokenCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "user-id",
			Usage:       "User to mint the access token for",
			Aliases:     []string{"u"},
			Destination: &args.UserID,
			Required:    true,
		},
	}
}

// MintAccessToken mint an access token for an existing active user
func MintAccessToken(
	runTimeContext context.Context, params TokenCLIArgs, config *common.SystemConfig, out io.Writer,
) error {
	logTags := log.Fields{"module": "cmd", "component": "token"}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}
	store, err := openStore(runTimeContext, config.Storage, logTags)
	if err != nil {
		return err
	}
	defer store.Close()
	user, err := store.GetUser(runTimeContext, params.UserID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to read user %d", params.UserID)
		return err
	}
	if !user.IsActive {
		return fmt.Errorf("user %d is not active", params.UserID)
	}
	minter, err := auth.GetTokenMinter(config.Auth)
	if err != nil {
		return err
	}
	token, err := minter.GenerateAccessToken(user)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to mint token for user %d", user.ID)
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// ============================================================================

// SeedCLIArgs arguments
type SeedCLIArgs struct {
	Students    int `validate:"gte=1"`
	Instructors int `validate:"gte=1"`
	Courses     int `validate:"gte=1"`
}

// GetSeedCLIFlags retrieve the set of CMD flags for the seed subcommand
func GetSeedCLIFlags(args *SeedCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "students",
			Usage:       "Number of students to create",
			Value:       20,
			DefaultText: "20",
			Destination: &args.Students,
		},
		&cli.IntFlag{
			Name:        "instructors",
			Usage:       "Number of instructors to create",
			Value:       3,
			DefaultText: "3",
			Destination: &args.Instructors,
		},
		&cli.IntFlag{
			Name:        "courses",
			Usage:       "Number of courses to create",
			Value:       5,
			DefaultText: "5",
			Destination: &args.Courses,
		},
	}
}

// SeedSummary what SeedDemoData created
type SeedSummary struct {
	Admin       storage.User
	Instructors []storage.User
	Students    []storage.User
	Courses     []storage.Course
	Enrollments int
}

// SeedDemoData fill the store with generated users, courses, enrollments and notifications
func SeedDemoData(ctxt context.Context, store storage.Store, params SeedCLIArgs) (SeedSummary, error) {
	logTags := log.Fields{"module": "cmd", "component": "seed"}
	summary := SeedSummary{}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return summary, err
	}
	picker := rand.New(rand.NewSource(time.Now().UnixNano()))

	newUser := func(role string, staff bool) (storage.User, error) {
		return store.CreateUser(ctxt, storage.User{
			Email:       fmt.Sprintf("%d.%s", picker.Int63n(1<<40), faker.Email()),
			Name:        faker.Name(),
			Role:        role,
			IsStaff:     staff,
			IsSuperuser: role == string(common.RoleAdministrator),
			IsActive:    true,
		})
	}

	var err error
	if summary.Admin, err = newUser(string(common.RoleAdministrator), true); err != nil {
		return summary, err
	}
	for i := 0; i < params.Instructors; i++ {
		instructor, err := newUser(string(common.RoleInstructor), true)
		if err != nil {
			return summary, err
		}
		summary.Instructors = append(summary.Instructors, instructor)
	}
	for i := 0; i < params.Students; i++ {
		student, err := newUser(string(common.RoleStudent), false)
		if err != nil {
			return summary, err
		}
		summary.Students = append(summary.Students, student)
	}
	for i := 0; i < params.Courses; i++ {
		instructor := summary.Instructors[i%len(summary.Instructors)]
		course := storage.Course{
			Title:       faker.Sentence(),
			Description: faker.Paragraph(),
			Status:      "published",
		}
		course.InstructorID.Int64 = instructor.ID
		course.InstructorID.Valid = true
		created, err := store.CreateCourse(ctxt, course)
		if err != nil {
			return summary, err
		}
		summary.Courses = append(summary.Courses, created)
	}

	statuses := []string{
		storage.EnrollmentActive, storage.EnrollmentActive, storage.EnrollmentCompleted, storage.EnrollmentDropped,
	}
	for _, student := range summary.Students {
		// Each student takes a random subset of the courses
		for _, courseIdx := range picker.Perm(len(summary.Courses))[:1+picker.Intn(len(summary.Courses))] {
			status := statuses[picker.Intn(len(statuses))]
			progress := picker.Intn(100)
			if status == storage.EnrollmentCompleted {
				progress = 100
			}
			if _, err := store.CreateEnrollment(ctxt, storage.Enrollment{
				UserID:             student.ID,
				CourseID:           summary.Courses[courseIdx].ID,
				Status:             status,
				ProgressPercentage: progress,
			}); err != nil {
				return summary, err
			}
			summary.Enrollments++
		}
		for n := picker.Intn(4); n > 0; n-- {
			if _, err := store.CreateNotification(ctxt, student.ID, faker.Sentence()); err != nil {
				return summary, err
			}
		}
	}
	log.WithFields(logTags).Infof(
		"Seeded %d students, %d instructors, %d courses, %d enrollments",
		len(summary.Students), len(summary.Instructors), len(summary.Courses), summary.Enrollments,
	)
	return summary, nil
}

// RunSeed open the configured store and seed it
func RunSeed(runTimeContext context.Context, params SeedCLIArgs, config *common.SystemConfig) error {
	logTags := log.Fields{"module": "cmd", "component": "seed"}
	store, err := openStore(runTimeContext, config.Storage, logTags)
	if err != nil {
		return err
	}
	defer store.Close()
	_, err = SeedDemoData(runTimeContext, store, params)
	return err
}
