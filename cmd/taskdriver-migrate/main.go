package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/taskdriver/pkg/ids"
	"github.com/cuemby/taskdriver/pkg/types"
)

var (
	dbFile     = flag.String("db", "./data/taskdriver.db", "path to the bbolt database file")
	dryRun     = flag.Bool("dry-run", false, "show what would be rebuilt without making changes")
	backupPath = flag.String("backup", "", "path to back up the database before migrating (default: <db>.backup)")
)

var (
	bucketProjects      = []byte("projects")
	bucketProjectNames  = []byte("project_names")
	bucketTaskTypes     = []byte("task_types")
	bucketTaskTypeNames = []byte("task_type_names")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("taskdriver-migrate: rebuild project/task-type name indices")
	log.Println("===========================================================")

	if _, err := os.Stat(*dbFile); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", *dbFile)
	}
	log.Printf("database: %s", *dbFile)
	log.Printf("dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = *dbFile + ".backup"
		}
		log.Printf("creating backup: %s", backupFile)
		if err := copyFile(*dbFile, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created successfully")
	}

	db, err := bolt.Open(*dbFile, 0600, nil)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := rebuildIndices(db, *dryRun); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	if *dryRun {
		log.Println("dry run completed, no changes made")
	} else {
		log.Println("indices rebuilt successfully")
	}
}

// rebuildIndices repopulates project_names and task_type_names from the
// authoritative projects/task_types buckets. It is safe to run whenever
// the name indices are suspected stale (a manual bolt edit, a restore
// from an older backup taken before a name index existed) since it
// never reads the indices themselves, only rewrites them.
func rebuildIndices(db *bolt.DB, dryRun bool) error {
	return db.Update(func(tx *bolt.Tx) error {
		projects := tx.Bucket(bucketProjects)
		if projects == nil {
			log.Println("no projects bucket found, nothing to do")
			return nil
		}

		projectNames, err := tx.CreateBucketIfNotExists(bucketProjectNames)
		if err != nil {
			return fmt.Errorf("create project_names bucket: %w", err)
		}
		taskTypes := tx.Bucket(bucketTaskTypes)
		taskTypeNames, err := tx.CreateBucketIfNotExists(bucketTaskTypeNames)
		if err != nil {
			return fmt.Errorf("create task_type_names bucket: %w", err)
		}

		var projectCount, taskTypeCount int
		err = projects.ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				log.Printf("skipping invalid project record %s: %v", k, err)
				return nil
			}
			projectCount++
			if dryRun {
				log.Printf("[dry run] would index project %q -> %s", project.Name, project.ID)
				return nil
			}
			return projectNames.Put([]byte(project.Name), []byte(project.ID))
		})
		if err != nil {
			return err
		}
		log.Printf("processed %d projects", projectCount)

		if taskTypes == nil {
			return nil
		}
		err = taskTypes.ForEach(func(k, v []byte) error {
			var tt types.TaskType
			if err := json.Unmarshal(v, &tt); err != nil {
				log.Printf("skipping invalid task type record %s: %v", k, err)
				return nil
			}
			taskTypeCount++
			key := taskTypeNameKey(tt.ProjectID, tt.Name)
			if dryRun {
				log.Printf("[dry run] would index task type %q in project %s -> %s", tt.Name, tt.ProjectID, tt.ID)
				return nil
			}
			return taskTypeNames.Put(key, []byte(tt.ID))
		})
		if err != nil {
			return err
		}
		log.Printf("processed %d task types", taskTypeCount)
		return nil
	})
}

func taskTypeNameKey(projectID ids.ProjectID, name string) []byte {
	return append(append([]byte(projectID), 0), []byte(name)...)
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
