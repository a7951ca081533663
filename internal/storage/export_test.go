package storage

import "gorm.io/gorm"

func DB(s *GormStore) *gorm.DB { return s.db }
